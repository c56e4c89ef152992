package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/streamsync/internal/batch"
	"github.com/basket/streamsync/internal/bus"
	"github.com/basket/streamsync/internal/config"
	"github.com/basket/streamsync/internal/conn"
	"github.com/basket/streamsync/internal/events"
	"github.com/basket/streamsync/internal/journal"
	"github.com/basket/streamsync/internal/lifecycle"
	otelPkg "github.com/basket/streamsync/internal/otel"
	"github.com/basket/streamsync/internal/retention"
	"github.com/basket/streamsync/internal/store"
	"github.com/basket/streamsync/internal/taskservice"
	"github.com/basket/streamsync/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                     Connect to the gateway and sync agent events
  %s -version            Print the version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  STREAMSYNC_HOME          Data directory (default: ~/.streamsync)
  STREAMSYNC_GATEWAY_URL   WebSocket gateway endpoint
  STREAMSYNC_ACCOUNT_ID    Account the connection belongs to
  STREAMSYNC_TOKEN         Access token; empty runs as guest
  STREAMSYNC_CHANNELS      Comma-separated channels to subscribe
`)
}

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("streamsync", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if cfg.GatewayURL == "" {
		fatalStartup(logger, "E_GATEWAY_URL_MISSING",
			fmt.Errorf("gateway_url is empty; set it in config.yaml or STREAMSYNC_GATEWAY_URL"))
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	st := store.New(logger)
	st.SetOnCommit(func() { metrics.StoreActions.Add(ctx, 1) })
	selectors := store.NewSelectors(st)

	var eventJournal *journal.Journal
	if cfg.JournalPath != "off" {
		eventJournal, err = journal.Open(cfg.JournalPath)
		if err != nil {
			fatalStartup(logger, "E_JOURNAL_OPEN", err)
		}
		defer eventJournal.Close()
		logger.Info("startup phase", "phase", "journal_opened", "path", cfg.JournalPath)
	}

	batcher := batch.New(batch.Config{
		Scheduler: batch.NewTimerScheduler(cfg.BatchFrame()),
		Logger:    logger,
		OnEnqueue: func() { metrics.BatchEnqueued.Add(ctx, 1) },
		OnFlush: func(coalesced int) {
			metrics.BatchFlushes.Add(ctx, 1)
			metrics.BatchCoalesced.Record(ctx, int64(coalesced))
		},
	})

	tracker := lifecycle.New(lifecycle.Config{
		Store:   st,
		Batcher: batcher,
		Bus:     eventBus,
		Logger:  logger,
	})

	router := events.NewRouter(logger, metrics)
	events.NewStoreHandlers(st, logger).Register(router)
	tracker.Register(router)

	token := os.Getenv("STREAMSYNC_TOKEN")
	guest := token == ""
	if guest {
		logger.Info("no access token configured, connecting as guest")
	}

	manager := conn.New(conn.Config{
		URL:               cfg.GatewayURL,
		AccountID:         cfg.AccountID,
		SecureMode:        cfg.SecureMode,
		ReconnectCooldown: cfg.ReconnectCooldown(),
		SubscribeThrottle: cfg.SubscribeThrottle(),
		Authorizer:        conn.StaticAuthorizer{Token: conn.AccessToken{Token: token, Guest: guest}},
		Guest:             guest,
		Logout: func() {
			logger.Error("authorization rejected, shutting down")
			stop()
		},
		OnFrame: func(f events.Frame) {
			if eventJournal != nil {
				if _, err := eventJournal.Append(ctx, f); err != nil {
					metrics.JournalFailures.Add(ctx, 1)
					if journal.IsBusy(err) {
						logger.Debug("journal busy, frame skipped", "error", err)
					} else {
						logger.Warn("journal append failed", "error", err)
					}
				}
			}
			router.Dispatch(f)
		},
		Bus:     eventBus,
		Logger:  logger,
		Metrics: metrics,
	})

	// Channels resubscribe on every secure, so reconnects pick them up too.
	securedSub := eventBus.Subscribe(bus.TopicConnSecured)
	defer eventBus.Unsubscribe(securedSub)
	go func() {
		for range securedSub.Ch() {
			if len(cfg.Channels) > 0 {
				manager.Subscribe(cfg.Channels)
			}
		}
	}()

	go runSinks(ctx, eventBus, st, selectors, logger)

	sweeper, err := retention.NewSweeper(retention.Config{
		Store:         st,
		Journal:       eventJournal,
		Logger:        logger,
		CronExpr:      cfg.Retention.Sweep,
		MaxAge:        time.Duration(cfg.Retention.MaxAgeSeconds) * time.Second,
		JournalMaxAge: time.Duration(cfg.Retention.JournalMaxAgeHours) * time.Hour,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if cfg.TaskAPI.BaseURL != "" {
		tasks := taskservice.New(taskservice.Config{
			BaseURL: cfg.TaskAPI.BaseURL,
			Token:   token,
			Timeout: time.Duration(cfg.TaskAPI.TimeoutSeconds) * time.Second,
			Store:   st,
			Logger:  logger,
		})
		if threadID := os.Getenv("STREAMSYNC_THREAD_ID"); threadID != "" {
			if _, err := tasks.FetchTasksByThread(ctx, threadID); err != nil {
				logger.Warn("initial task hydration failed", "thread_id", threadID, "error", err)
			}
		}
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				logger.Info("config.yaml changed, settings apply on next start")
			}
		}()
	}

	if err := manager.Connect(ctx); err != nil {
		logger.Warn("initial connect failed", "error", err)
	}
	logger.Info("startup phase", "phase", "running", "gateway", cfg.GatewayURL)

	<-ctx.Done()
	logger.Info("shutdown requested")

	batcher.Flush()
	manager.Disconnect()
	logger.Info("shutdown complete", "store_version", st.Version())
}

// runSinks logs lifecycle completions and the credits signal, reading plan
// state through the memoized selectors.
func runSinks(ctx context.Context, eventBus *bus.Bus, st *store.Store, selectors *store.Selectors, logger *slog.Logger) {
	lifecycleSub := eventBus.Subscribe("lifecycle.")
	defer eventBus.Unsubscribe(lifecycleSub)
	analyticsSub := eventBus.Subscribe("analytics.")
	defer eventBus.Unsubscribe(analyticsSub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-lifecycleSub.Ch():
			if !ok {
				return
			}
			switch payload := ev.Payload.(type) {
			case bus.ResponseCompletedEvent:
				attrs := []any{
					"response_id", payload.ResponseID,
					"thread_id", payload.ThreadID,
					"status", payload.Status,
				}
				if planID, ok := st.PlanIDByThread(payload.ThreadID); ok {
					progress := selectors.PlanProgressFor(planID)
					attrs = append(attrs, "plan_id", planID, "plan_percentage", progress.Percentage)
				}
				logger.Info("response settled", attrs...)
			case bus.ActivationEvent:
				logger.Debug("activation settled",
					"response_id", payload.ResponseID,
					"thread_id", payload.ThreadID,
					"status", payload.Status,
				)
			}
		case ev, ok := <-analyticsSub.Ch():
			if !ok {
				return
			}
			if payload, isCredits := ev.Payload.(bus.CreditsFinishedEvent); isCredits {
				logger.Warn("credits exhausted",
					"thread_id", payload.ThreadID,
					"error_type", payload.ErrorType,
				)
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"pipeline","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a local .env file without
// overriding variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
