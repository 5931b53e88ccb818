package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"ytdl-hub/internal/client"
	"ytdl-hub/internal/model"
)

const defaultAddr = "127.0.0.1:8765"

// clientFlags are shared by every command that talks to a running service.
type clientFlags struct {
	addr    *string
	timeout *time.Duration
	jsonOut *bool
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	addr := strings.TrimSpace(os.Getenv("YTDL_HUB_ADDR"))
	if addr == "" {
		addr = defaultAddr
	}
	return clientFlags{
		addr:    fs.String("addr", addr, "service address"),
		timeout: fs.Duration("timeout", 2*time.Minute, "request timeout"),
		jsonOut: fs.Bool("json", false, "print JSON output"),
	}
}

func (f clientFlags) client() *client.Client {
	return client.New(*f.addr, *f.timeout)
}

func (f clientFlags) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), *f.timeout)
}

// parseWithID parses flags that may appear before or after a single
// positional job or subscription id.
func parseWithID(fs *flag.FlagSet, args []string, what string) (string, error) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		id := args[0]
		if err := fs.Parse(args[1:]); err != nil {
			return "", err
		}
		if fs.NArg() > 0 {
			return "", fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
		}
		return strings.TrimSpace(id), nil
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		return "", fmt.Errorf("%s is required", what)
	}
	return strings.TrimSpace(fs.Arg(0)), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func promptConfirm(prompt string) (bool, error) {
	if !stdinIsTTY() {
		return false, errors.New("confirmation required (rerun with --yes in non-interactive mode)")
	}
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func stdinIsTTY() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func printJob(j model.Job) {
	title := j.Title
	if title == "" {
		title = j.Source
	}
	line := fmt.Sprintf("%s  %-11s %3d%%  %s", j.ID, j.Status, j.Progress, title)
	if j.Speed != "" || j.ETA != "" {
		line += fmt.Sprintf("  [%s eta %s]", orDash(j.Speed), orDash(j.ETA))
	}
	if j.Error != "" {
		line += "  error: " + j.Error
	}
	fmt.Println(line)
}

func printBatch(verb string, res model.BatchResult) error {
	fmt.Printf("%s: %d succeeded, %d failed\n", verb, len(res.Succeeded), len(res.Failed))
	for id, msg := range res.Failed {
		fmt.Printf("  %s: %s\n", id, msg)
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%s: %d job(s) failed", verb, len(res.Failed))
	}
	return nil
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}

func boolPtr(v bool) *bool {
	b := v
	return &b
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}

func clampInt(v, minV, maxV int) int {
	if v < minV {
		return minV
	}
	if v > maxV {
		return maxV
	}
	return v
}
