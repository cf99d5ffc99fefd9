// Command autocoded is the autocode daemon: it serves the ticket REST API,
// runs the dispatch queues and their agent workers, and keeps local tickets
// in sync with GitHub issues.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/autocode-io/autocode/internal/agent"
	apiPkg "github.com/autocode-io/autocode/internal/api"
	"github.com/autocode-io/autocode/internal/config"
	"github.com/autocode-io/autocode/internal/github"
	"github.com/autocode-io/autocode/internal/gitsync"
	"github.com/autocode-io/autocode/internal/logbuf"
	"github.com/autocode-io/autocode/internal/notify"
	"github.com/autocode-io/autocode/internal/queue"
	"github.com/autocode-io/autocode/internal/ticket"
	"github.com/autocode-io/autocode/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	// Load config (2 modes: file, env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("autocoded starting", "data_dir", cfg.Data.Dir)

	// 1. Ticket store
	os.MkdirAll(cfg.Data.Dir, 0o755)
	store, err := ticket.NewSQLiteStore(cfg.Data.StorePath())
	if err != nil {
		logger.Error("failed to open ticket store", "path", cfg.Data.StorePath(), "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. GitHub client + issue sync
	var gh *github.Client
	var syncer *gitsync.Syncer
	if cfg.GitHub.Token != "" {
		gh = github.New(cfg.GitHub.Token)
		syncer = gitsync.New(store, gh, logger.With("component", "gitsync"))
	} else {
		logger.Warn("no github token configured, issue sync disabled")
	}

	// 3. Notifiers: WebSocket hub always, Slack when configured
	hub := notify.NewHub(cfg.API.FrontendURL, logger.With("component", "ws"))
	notifiers := notify.Multi{hub}
	if cfg.Slack != nil {
		slackN, err := notify.NewSlack(cfg.Slack.Token, cfg.Slack.Channel, logger.With("component", "slack"))
		if err != nil {
			logger.Error("failed to init slack notifier", "error", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, slackN)
		logger.Info("slack notifier started", "channel", cfg.Slack.Channel)
	}

	// 4. Dispatch queues + workers, one named queue per agent
	queueOpts := []queue.Option{
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithLogger(logger.With("component", "queue")),
	}

	var claudeQ, openCodeQ *queue.Queue
	if cfg.Agents.AnthropicAPIKey != "" {
		claudeQ, err = queue.Open(cfg.Data.QueuePath(), cfg.Queue.Name+".claude", queueOpts...)
		if err != nil {
			logger.Error("failed to open claude queue", "error", err)
			os.Exit(1)
		}
		defer claudeQ.Close()

		var agentOpts []agent.ClaudeOption
		if cfg.Agents.ClaudeModel != "" {
			agentOpts = append(agentOpts, agent.WithClaudeModel(cfg.Agents.ClaudeModel))
		}
		startWorker(ctx, logger, &worker.Worker{
			Queue:    claudeQ,
			Store:    store,
			Agent:    agent.NewClaude(cfg.Agents.AnthropicAPIKey, agentOpts...),
			Notifier: notifiers,
			Logger:   logger.With("component", "worker", "agent", "claude"),
		}, gh)
	}
	if cfg.Agents.OpenCodeURL != "" {
		openCodeQ, err = queue.Open(cfg.Data.QueuePath(), cfg.Queue.Name+".opencode", queueOpts...)
		if err != nil {
			logger.Error("failed to open opencode queue", "error", err)
			os.Exit(1)
		}
		defer openCodeQ.Close()

		startWorker(ctx, logger, &worker.Worker{
			Queue:    openCodeQ,
			Store:    store,
			Agent:    agent.NewOpenCode(cfg.Agents.OpenCodeURL),
			Notifier: notifiers,
			Logger:   logger.With("component", "worker", "agent", "opencode"),
		}, gh)
	}
	if claudeQ == nil && openCodeQ == nil {
		logger.Warn("no agent configured, dispatch endpoints disabled")
	}

	// 5. Periodic issue sync
	if syncer != nil {
		sched, err := gitsync.NewScheduler(syncer, store, cfg.Sync.Schedule, logger.With("component", "scheduler"))
		if err != nil {
			logger.Error("failed to init sync scheduler", "error", err)
			os.Exit(1)
		}
		go safeGo(logger, "sync-scheduler", func() { sched.Start(ctx) })
	}

	// 6. API server
	deps := apiPkg.Deps{
		Store:    store,
		Hub:      hub,
		Notifier: notifiers,
		Logs:     logBuf,
	}
	if claudeQ != nil {
		deps.ClaudeQueue = claudeQ
	}
	if openCodeQ != nil {
		deps.OpenCodeQueue = openCodeQ
	}
	if syncer != nil {
		deps.Syncer = syncer
	}
	apiSrv := apiPkg.NewServer(deps, apiPkg.Config{
		Host:        cfg.API.Host,
		Port:        cfg.API.Port,
		Key:         cfg.API.Key,
		FrontendURL: cfg.API.FrontendURL,
		GitHubToken: cfg.GitHub.Token,
	}, logger.With("component", "api"))

	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	// 7. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("autocoded stopped")
}

// startWorker launches a worker goroutine. The commenter is wired only when
// a GitHub client exists.
func startWorker(ctx context.Context, logger *slog.Logger, w *worker.Worker, gh *github.Client) {
	if gh != nil {
		w.Commenter = gh
	}
	go safeGo(logger, "worker-"+w.Agent.Name(), func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker stopped", "agent", w.Agent.Name(), "error", err)
		}
	})
	logger.Info("worker started", "agent", w.Agent.Name())
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
