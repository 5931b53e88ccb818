package cli

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"ytdl-hub/internal/config"
	"ytdl-hub/internal/doctor"
)

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "config path to create")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	res, err := doctor.Init(strings.TrimSpace(*configPath))
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(res)
	}

	fmt.Println("workspace initialized")
	fmt.Printf("config: %s\n", res.ConfigPath)
	fmt.Printf("data_dir: %s\n", res.DataDir)
	fmt.Printf("created_config: %t\n", res.CreatedConfig)
	fmt.Printf("created_data_dir: %t\n", res.CreatedData)
	fmt.Println("checks:")
	printChecks("  ", res.Doctor)
	if !res.Doctor.OK {
		return errors.New("doctor checks failed")
	}
	fmt.Println("next: ytdl-hub serve")
	return nil
}

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default "+config.DefaultPath+" when present)")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		return err
	}
	res := doctor.Run(cfg)
	if *jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printChecks("", res)
	}
	if !res.OK {
		return errors.New("doctor checks failed")
	}
	if !*jsonOut {
		fmt.Println("doctor: all checks passed")
	}
	return nil
}

func printChecks(indent string, res doctor.Result) {
	for _, c := range res.Checks {
		status := "ok"
		if !c.OK {
			status = "fail"
		}
		fmt.Printf("%s%s: %s (%s)\n", indent, c.Name, status, c.Message)
	}
}
