package cli

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"ytdl-hub/internal/client"
	"ytdl-hub/internal/model"
	"ytdl-hub/internal/scheduler"
)

func runSubs(args []string) error {
	if len(args) == 0 {
		printSubsUsage()
		return nil
	}
	switch args[0] {
	case "add":
		return runSubsAdd(args[1:])
	case "list":
		return runSubsList(args[1:])
	case "update":
		return runSubsUpdate(args[1:])
	case "remove":
		return runSubsRemove(args[1:])
	case "check":
		return runSubsCheck(args[1:])
	case "check-all":
		return runSubsCheckAll(args[1:])
	case "pending":
		return runSubsPending(args[1:])
	case "help", "-h", "--help":
		printSubsUsage()
		return nil
	default:
		printSubsUsage()
		return fmt.Errorf("unknown subs command %q", args[0])
	}
}

func printSubsUsage() {
	fmt.Println("ytdl-hub subs: manage polled sources")
	fmt.Println()
	fmt.Println("  subs add --name <name> --url <channel-url> [--quality 1080p]")
	fmt.Println("  subs list")
	fmt.Println("  subs update <name> [--url <url>] [--quality <q>] [--auto-download true|false]")
	fmt.Println("  subs remove <name> [--yes]")
	fmt.Println("  subs check <name> [--date YYYY-MM-DD]")
	fmt.Println("  subs check-all [--date YYYY-MM-DD]")
	fmt.Println("  subs pending [list] <name>")
	fmt.Println("  subs pending download|skip <name> <item-id>")
	fmt.Println("  subs pending clear [--yes]")
}

func runSubsAdd(args []string) error {
	fs := flag.NewFlagSet("subs add", flag.ContinueOnError)
	cf := addClientFlags(fs)
	name := fs.String("name", "", "unique source name")
	sourceURL := fs.String("url", "", "channel or playlist URL")
	quality := fs.String("quality", "", "quality preset (service default when empty)")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if strings.TrimSpace(*sourceURL) == "" {
		return errors.New("--url is required")
	}

	ctx, cancel := cf.context()
	defer cancel()
	sub, err := cf.client().CreateSubscription(ctx, strings.TrimSpace(*name), strings.TrimSpace(*sourceURL), strings.TrimSpace(*quality))
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(sub)
	}
	fmt.Printf("subscribed: %s\n", sub.SourceName)
	printSubscription(sub)
	return nil
}

func runSubsList(args []string) error {
	fs := flag.NewFlagSet("subs list", flag.ContinueOnError)
	cf := addClientFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := cf.context()
	defer cancel()
	subs, err := cf.client().ListSubscriptions(ctx)
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(subs)
	}
	if len(subs) == 0 {
		fmt.Println("no subscriptions")
		return nil
	}
	for _, s := range subs {
		printSubscription(s)
	}
	return nil
}

func runSubsUpdate(args []string) error {
	fs := flag.NewFlagSet("subs update", flag.ContinueOnError)
	cf := addClientFlags(fs)
	sourceURL := fs.String("url", "", "new channel URL")
	quality := fs.String("quality", "", "new quality preset")
	autoDownload := fs.String("auto-download", "", "true|false")
	fs.SetOutput(flag.CommandLine.Output())
	name, err := parseWithID(fs, args, "subscription name")
	if err != nil {
		return err
	}

	var upd client.SubscriptionUpdate
	if v := strings.TrimSpace(*sourceURL); v != "" {
		upd.SourceURL = &v
	}
	if v := strings.TrimSpace(*quality); v != "" {
		upd.SelectedQuality = &v
	}
	if v := strings.TrimSpace(*autoDownload); v != "" {
		b, err := parseBoolFlag(v)
		if err != nil {
			return fmt.Errorf("--auto-download: %w", err)
		}
		upd.AutoDownload = boolPtr(b)
	}
	if upd.SourceURL == nil && upd.SelectedQuality == nil && upd.AutoDownload == nil {
		return errors.New("nothing to update (use --url, --quality or --auto-download)")
	}

	ctx, cancel := cf.context()
	defer cancel()
	sub, err := cf.client().UpdateSubscription(ctx, name, upd)
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(sub)
	}
	printSubscription(sub)
	return nil
}

func runSubsRemove(args []string) error {
	fs := flag.NewFlagSet("subs remove", flag.ContinueOnError)
	cf := addClientFlags(fs)
	yes := fs.Bool("yes", false, "skip confirmation")
	fs.SetOutput(flag.CommandLine.Output())
	name, err := parseWithID(fs, args, "subscription name")
	if err != nil {
		return err
	}
	if !*yes {
		ok, err := promptConfirm(fmt.Sprintf("Remove subscription %q and its pending items? [y/N]: ", name))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("aborted")
		}
	}

	ctx, cancel := cf.context()
	defer cancel()
	if err := cf.client().DeleteSubscription(ctx, name); err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(map[string]string{"removed": name})
	}
	fmt.Printf("removed subscription %s\n", name)
	return nil
}

func runSubsCheck(args []string) error {
	fs := flag.NewFlagSet("subs check", flag.ContinueOnError)
	cf := addClientFlags(fs)
	date := fs.String("date", "", "look back to this date instead of the last check (YYYY-MM-DD)")
	fs.SetOutput(flag.CommandLine.Output())
	name, err := parseWithID(fs, args, "subscription name")
	if err != nil {
		return err
	}
	if err := checkDateFlag(*date); err != nil {
		return err
	}

	ctx, cancel := cf.context()
	defer cancel()
	res, err := cf.client().Check(ctx, name, strings.TrimSpace(*date))
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(res)
	}
	return printCheckResults([]scheduler.CheckResult{res})
}

func runSubsCheckAll(args []string) error {
	fs := flag.NewFlagSet("subs check-all", flag.ContinueOnError)
	cf := addClientFlags(fs)
	date := fs.String("date", "", "look back to this date instead of the last check (YYYY-MM-DD)")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := checkDateFlag(*date); err != nil {
		return err
	}

	ctx, cancel := cf.context()
	defer cancel()
	results, err := cf.client().CheckAll(ctx, strings.TrimSpace(*date))
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(results)
	}
	if len(results) == 0 {
		fmt.Println("no subscriptions with auto-download enabled")
		return nil
	}
	return printCheckResults(results)
}

func runSubsPending(args []string) error {
	action := "list"
	if len(args) > 0 {
		switch args[0] {
		case "list", "download", "skip", "clear":
			action = args[0]
			args = args[1:]
		}
	}

	fs := flag.NewFlagSet("subs pending "+action, flag.ContinueOnError)
	cf := addClientFlags(fs)
	var yes *bool
	if action == "clear" {
		yes = fs.Bool("yes", false, "skip confirmation")
	}
	fs.SetOutput(flag.CommandLine.Output())

	switch action {
	case "clear":
		if err := fs.Parse(args); err != nil {
			return err
		}
		if !*yes {
			ok, err := promptConfirm("Drop every pending item of every subscription? [y/N]: ")
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("aborted")
			}
		}
		ctx, cancel := cf.context()
		defer cancel()
		n, err := cf.client().ClearPending(ctx)
		if err != nil {
			return err
		}
		if *cf.jsonOut {
			return printJSON(map[string]int{"cleared": n})
		}
		fmt.Printf("cleared %d pending list(s)\n", n)
		return nil

	case "download", "skip":
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 2 {
			return fmt.Errorf("usage: subs pending %s <name> <item-id>", action)
		}
		name, itemID := strings.TrimSpace(fs.Arg(0)), strings.TrimSpace(fs.Arg(1))
		ctx, cancel := cf.context()
		defer cancel()
		if action == "skip" {
			if err := cf.client().SkipPending(ctx, name, itemID); err != nil {
				return err
			}
			if *cf.jsonOut {
				return printJSON(map[string]string{"skipped": itemID})
			}
			fmt.Printf("skipped %s\n", itemID)
			return nil
		}
		job, err := cf.client().DownloadPending(ctx, name, itemID)
		if err != nil {
			return err
		}
		if *cf.jsonOut {
			return printJSON(job)
		}
		printJob(job)
		return nil

	default:
		name, err := parseWithID(fs, args, "subscription name")
		if err != nil {
			return err
		}
		ctx, cancel := cf.context()
		defer cancel()
		items, err := cf.client().ListPending(ctx, name)
		if err != nil {
			return err
		}
		if *cf.jsonOut {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Printf("%s: nothing pending\n", name)
			return nil
		}
		for _, it := range items {
			printPendingItem(it)
		}
		return nil
	}
}

func printSubscription(s model.Subscription) {
	auto := "off"
	if s.AutoDownload {
		auto = "on"
	}
	fmt.Printf("%s  %s  quality=%s auto=%s last_checked=%s\n",
		s.SourceName, s.SourceURL, s.SelectedQuality, auto, s.LastChecked.Format(time.RFC3339))
	if s.RetryCount > 0 || s.LastError != "" {
		fmt.Printf("  retries=%d last_error=%s\n", s.RetryCount, orDash(s.LastError))
	}
}

func printPendingItem(it model.PendingItem) {
	line := fmt.Sprintf("%s  %-11s %s  %s", it.ItemID, it.Status, orDash(it.UploadDate), it.Title)
	if it.JobID != "" {
		line += "  job=" + it.JobID
	}
	if it.Error != "" {
		line += "  error: " + it.Error
	}
	fmt.Println(line)
}

func printCheckResults(results []scheduler.CheckResult) error {
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
			fmt.Printf("%s: error: %s\n", r.SourceName, r.Error)
			continue
		}
		fmt.Printf("%s: found=%d new=%d queued=%d\n", r.SourceName, r.Found, r.New, r.Queued)
	}
	if failed > 0 {
		return fmt.Errorf("%d source check(s) failed", failed)
	}
	return nil
}

func checkDateFlag(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, v); err != nil {
		return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
	}
	return nil
}

func parseBoolFlag(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", v)
	}
}
