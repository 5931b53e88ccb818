package cli

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"ytdl-hub/internal/model"
)

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	cf := addClientFlags(fs)
	source := fs.String("url", "", "media URL")
	dest := fs.String("dest", "", "destination directory")
	quality := fs.String("quality", "", "quality preset: "+strings.Join(model.QualityPresets, "|"))
	title := fs.String("title", "", "display title (optional)")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*source) == "" {
		return errors.New("--url is required")
	}
	if strings.TrimSpace(*dest) == "" {
		return errors.New("--dest is required")
	}

	ctx, cancel := cf.context()
	defer cancel()
	job, err := cf.client().StartDownload(ctx, model.DownloadSpec{
		Source:         strings.TrimSpace(*source),
		DestinationDir: strings.TrimSpace(*dest),
		Quality:        strings.TrimSpace(*quality),
		Title:          strings.TrimSpace(*title),
	})
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(job)
	}
	fmt.Printf("download %s: %s\n", job.Status, job.ID)
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	cf := addClientFlags(fs)
	status := fs.String("status", "", "only show jobs in this status")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := cf.context()
	defer cancel()
	jobs, err := cf.client().ListDownloads(ctx)
	if err != nil {
		return err
	}
	if want := strings.TrimSpace(*status); want != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == want {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if *cf.jsonOut {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		fmt.Println("no downloads")
		return nil
	}
	for _, j := range jobs {
		printJob(j)
	}
	return nil
}

// runJobAction handles pause, resume and retry.
func runJobAction(action string, args []string) error {
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	cf := addClientFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	id, err := parseWithID(fs, args, "job id")
	if err != nil {
		return err
	}

	ctx, cancel := cf.context()
	defer cancel()
	job, err := cf.client().JobAction(ctx, id, action)
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(job)
	}
	printJob(job)
	return nil
}

func runCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	cf := addClientFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	id, err := parseWithID(fs, args, "job id")
	if err != nil {
		return err
	}

	ctx, cancel := cf.context()
	defer cancel()
	cancelled, job, err := cf.client().Cancel(ctx, id)
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(map[string]any{"cancelled": cancelled, "job": job})
	}
	if !cancelled {
		fmt.Printf("job %s already %s\n", job.ID, job.Status)
		return nil
	}
	printJob(job)
	return nil
}

func runRemove(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	cf := addClientFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	id, err := parseWithID(fs, args, "job id")
	if err != nil {
		return err
	}

	ctx, cancel := cf.context()
	defer cancel()
	if err := cf.client().Remove(ctx, id); err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(map[string]any{"removed": id})
	}
	fmt.Printf("removed %s\n", id)
	return nil
}

func runPauseAll(args []string) error {
	fs := flag.NewFlagSet("pause-all", flag.ContinueOnError)
	cf := addClientFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := cf.context()
	defer cancel()
	res, err := cf.client().PauseAll(ctx)
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(res)
	}
	return printBatch("pause-all", res)
}

func runResumeAll(args []string) error {
	fs := flag.NewFlagSet("resume-all", flag.ContinueOnError)
	cf := addClientFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := cf.context()
	defer cancel()
	res, err := cf.client().ResumeAll(ctx)
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(res)
	}
	return printBatch("resume-all", res)
}

func runClearPaused(args []string) error {
	fs := flag.NewFlagSet("clear-paused", flag.ContinueOnError)
	cf := addClientFlags(fs)
	yes := fs.Bool("yes", false, "skip confirmation")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*yes {
		ok, err := promptConfirm("Cancel every paused download and delete its partial files? [y/N]: ")
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("aborted")
		}
	}
	ctx, cancel := cf.context()
	defer cancel()
	n, err := cf.client().ClearPaused(ctx)
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(map[string]int{"cleared": n})
	}
	fmt.Printf("cleared %d paused download(s)\n", n)
	return nil
}
