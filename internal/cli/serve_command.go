package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"ytdl-hub/internal/broadcast"
	"ytdl-hub/internal/capacity"
	"ytdl-hub/internal/config"
	"ytdl-hub/internal/docstore"
	"ytdl-hub/internal/history"
	"ytdl-hub/internal/jobstore"
	"ytdl-hub/internal/logging"
	"ytdl-hub/internal/orchestrator"
	"ytdl-hub/internal/scheduler"
	"ytdl-hub/internal/server"
	"ytdl-hub/internal/subscription"
	"ytdl-hub/internal/supervisor"
	"ytdl-hub/internal/ytdlp"
)

const shutdownTimeout = 15 * time.Second

// app is one fully wired service instance.
type app struct {
	log     logrus.FieldLogger
	cfg     *config.Config
	lock    docstore.DirLock
	history *history.Store
	events  *broadcast.Broadcaster
	orch    *orchestrator.Orchestrator
	sched   *scheduler.Scheduler
	server  *server.Server
}

func newApp(cfg *config.Config, log logrus.FieldLogger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	lock, err := docstore.AcquireLock(cfg.Storage.DataDir, cfg.Server.Listen)
	if err != nil {
		return nil, err
	}
	hist, err := history.Open(cfg.HistoryDir())
	if err != nil {
		_ = lock.Release()
		return nil, err
	}

	events := broadcast.New(log.WithField("component", "broadcast"))
	store := jobstore.New(log.WithField("component", "jobstore"), events, hist)
	if n, err := store.Restore(); err != nil {
		log.WithError(err).Warn("could not restore job history")
	} else if n > 0 {
		log.WithField("jobs", n).Info("restored job history")
	}

	paused := jobstore.NewPausedStore(cfg.PausedPath(), filepath.Join(cfg.TrashDir(), "paused_corrupt_backup"), log.WithField("component", "paused"))
	sup := supervisor.New(log.WithField("component", "supervisor"), cfg.GracePeriod())
	slots := capacity.NewCounter(cfg.Downloads.MaxConcurrent)
	client := ytdlp.NewClient(cfg.Downloads)
	orch := orchestrator.New(log.WithField("component", "orchestrator"), store, paused, sup, slots, client)

	reg := subscription.NewRegistry(cfg.SubscriptionsDir(), cfg.TrashDir(), cfg.Downloads.DefaultQuality, log.WithField("component", "subscriptions"))
	ledger := subscription.NewLedger(cfg.SubscriptionsDir(), cfg.TrashDir(), log.WithField("component", "pending"))
	sched := scheduler.New(log.WithField("component", "scheduler"), reg, ledger, client, orch, slots, events, scheduler.Options{
		Interval:           cfg.CheckInterval(),
		MinSpacing:         cfg.MinSpacing(),
		ClockSkew:          cfg.ClockSkew(),
		MaxRetries:         cfg.Subscriptions.MaxRetries,
		Backoff:            cfg.Backoff(),
		MaxInFlightQueries: cfg.Subscriptions.MaxInFlightQueries,
	})
	orch.AddCompletionListener(sched.OnJobComplete)

	srv := server.New(log.WithField("component", "http"), server.Deps{
		Downloads:     orch,
		Subscriptions: reg,
		Pending:       ledger,
		Checker:       sched,
		Events:        events,
	})
	return &app{
		log:     log,
		cfg:     cfg,
		lock:    lock,
		history: hist,
		events:  events,
		orch:    orch,
		sched:   sched,
		server:  srv,
	}, nil
}

func (a *app) Handler() http.Handler {
	return a.server.Handler()
}

// Close pauses live downloads, stops the scheduler and releases storage.
func (a *app) Close(ctx context.Context) error {
	a.sched.Stop()
	var errs []error
	if err := a.orch.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop downloads: %w", err))
	}
	if err := a.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close history: %w", err))
	}
	if err := a.lock.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default "+config.DefaultPath+" when present)")
	listen := fs.String("listen", "", "listen address override")
	dataDir := fs.String("data-dir", "", "data directory override")
	maxConcurrent := fs.Int("max-concurrent", 0, "concurrent download ceiling override")
	ytDlp := fs.String("yt-dlp", "", "yt-dlp binary override")
	logLevel := fs.String("log-level", "", "log level override")
	noScheduler := fs.Bool("no-scheduler", false, "do not poll subscriptions on a timer")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		return err
	}
	applyServeFlags(cfg, *listen, *dataDir, *maxConcurrent, *ytDlp, *logLevel)

	log, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !*noScheduler {
		if err := a.sched.Start(ctx); err != nil {
			_ = a.Close(context.Background())
			return err
		}
	}
	serveErr := a.server.ListenAndServe(ctx, cfg.Server.Listen)
	stop()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := a.Close(shutdownCtx)
	return errors.Join(serveErr, closeErr)
}

func applyServeFlags(cfg *config.Config, listen, dataDir string, maxConcurrent int, ytDlp, logLevel string) {
	if v := strings.TrimSpace(listen); v != "" {
		cfg.Server.Listen = v
	}
	if v := strings.TrimSpace(dataDir); v != "" {
		cfg.Storage.DataDir = v
	}
	if maxConcurrent > 0 {
		cfg.Downloads.MaxConcurrent = maxConcurrent
	}
	if v := strings.TrimSpace(ytDlp); v != "" {
		cfg.Downloads.YtDlpBin = v
	}
	if v := strings.TrimSpace(logLevel); v != "" {
		cfg.Logging.Level = v
	}
}
