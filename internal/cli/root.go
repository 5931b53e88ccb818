package cli

import "fmt"

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "init":
		return runInit(args[1:])
	case "doctor":
		return runDoctor(args[1:])
	case "download":
		return runDownload(args[1:])
	case "list":
		return runList(args[1:])
	case "pause", "resume", "retry":
		return runJobAction(args[0], args[1:])
	case "cancel":
		return runCancel(args[1:])
	case "remove":
		return runRemove(args[1:])
	case "pause-all":
		return runPauseAll(args[1:])
	case "resume-all":
		return runResumeAll(args[1:])
	case "clear-paused":
		return runClearPaused(args[1:])
	case "subs":
		return runSubs(args[1:])
	case "watch":
		return runWatch(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println("ytdl-hub: concurrent yt-dlp download service with subscription polling")
	fmt.Println()
	fmt.Println("Quick Start:")
	fmt.Println("  ytdl-hub init")
	fmt.Println("  ytdl-hub serve")
	fmt.Println("  ytdl-hub download --url <url> --dest <dir>")
	fmt.Println("  ytdl-hub watch")
	fmt.Println()
	fmt.Println("Service Commands:")
	fmt.Println("  serve     run the download service and subscription poller")
	fmt.Println("  init      write a default config + run environment checks")
	fmt.Println("  doctor    run dependency and filesystem preflight checks")
	fmt.Println()
	fmt.Println("Download Commands:")
	fmt.Println("  download      start a download")
	fmt.Println("  list          list downloads")
	fmt.Println("  pause <id>    pause a download (resumable)")
	fmt.Println("  resume <id>   resume a paused download")
	fmt.Println("  cancel <id>   cancel a download and delete partial files")
	fmt.Println("  retry <id>    retry a failed or cancelled download")
	fmt.Println("  remove <id>   forget a finished, failed or cancelled download")
	fmt.Println("  pause-all     pause every active download")
	fmt.Println("  resume-all    resume every paused download")
	fmt.Println("  clear-paused  drop every paused download")
	fmt.Println("  watch         live terminal dashboard")
	fmt.Println()
	fmt.Println("Subscription Commands:")
	fmt.Println("  subs add|list|update|remove|check|check-all|pending")
	fmt.Println()
	fmt.Println("Notes:")
	fmt.Println("  - Use --json on commands for machine-readable output")
	fmt.Println("  - Client commands reach the service at --addr (default $YTDL_HUB_ADDR or 127.0.0.1:8765)")
}
