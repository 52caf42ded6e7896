package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/nudge/internal/alarm"
	"github.com/kalambet/nudge/internal/api"
	"github.com/kalambet/nudge/internal/chat"
	"github.com/kalambet/nudge/internal/checkin"
	"github.com/kalambet/nudge/internal/config"
	"github.com/kalambet/nudge/internal/jobs"
	"github.com/kalambet/nudge/internal/llm"
	"github.com/kalambet/nudge/internal/netcheck"
	"github.com/kalambet/nudge/internal/notify"
	"github.com/kalambet/nudge/internal/receiver"
	"github.com/kalambet/nudge/internal/scheduler"
	"github.com/kalambet/nudge/internal/settings"
	"github.com/kalambet/nudge/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the nudge server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running nudge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show nudge server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "nudge.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "nudge version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	apiToken, err := config.GetAPIToken(config.FileSecrets{})
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	// Jobs left running by a crash go back to the queue.
	if n, err := store.ResetRunningJobs(); err != nil {
		return fmt.Errorf("resetting running jobs: %w", err)
	} else if n > 0 {
		logger.Info("requeued interrupted jobs", "count", n)
	}

	settingsMgr := settings.NewManager(store, cfg.LLM.APIKey)

	var sender notify.Sender
	if cfg.FCM.ProjectID != "" {
		fcm, err := notify.NewFCMSender(ctx, notify.FCMConfig{
			CredentialsFile: cfg.FCM.CredentialsFile,
			ProjectID:       cfg.FCM.ProjectID,
		}, logger)
		if err != nil {
			return err
		}
		sender = fcm
		logger.Info("push delivery enabled", "project", cfg.FCM.ProjectID)
	} else {
		sender = notify.NewLogSender(logger)
		logger.Info("no FCM project configured, notifications go to the log")
	}
	notifier := notify.New(settingsMgr, sender, logger)

	llmCfg := llm.Config{
		Provider:   cfg.LLM.Provider,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		MaxRetries: 2,
	}
	models := func(apiKey string) (llm.Completer, error) {
		c := llmCfg
		c.APIKey = apiKey
		return llm.New(c)
	}
	preflight, err := netcheck.New(llm.DefaultHost(llmCfg), config.Duration(cfg.Preflight.Timeout, netcheck.DefaultTimeout), nil, logger)
	if err != nil {
		return fmt.Errorf("configuring preflight: %w", err)
	}

	queue := jobs.NewQueue(store, logger)
	alarms := alarm.NewManager(store, receiver.New(queue, logger), alarm.Options{
		ExactAllowed:  cfg.Alarm.ExactAllowed,
		InexactWindow: config.Duration(cfg.Alarm.InexactWindow, 10*time.Minute),
		Logger:        logger,
	})
	sched := scheduler.New(alarms, queue, store, nil, logger)

	runner := jobs.NewRunner(store, config.Duration(cfg.Jobs.PollInterval, 500*time.Millisecond), cfg.Jobs.Concurrency, logger)
	runner.Register(scheduler.CheckinJob, checkin.NewWorker(checkin.Deps{
		Store:     store,
		Settings:  settingsMgr,
		Preflight: preflight,
		Models:    models,
		Display:   notifier,
		Scheduler: sched,
		Logger:    logger,
	}))
	runner.Register(chat.ReplyJob, chat.NewWorker(chat.Deps{
		Store:     store,
		Settings:  settingsMgr,
		Preflight: preflight,
		Models:    models,
		Display:   notifier,
		SeenGrace: config.Duration(cfg.Chat.SeenGrace, chat.DefaultSeenGrace),
		Logger:    logger,
	}))

	sweeper, err := chat.NewSweeper(store, queue, cfg.Chat.SweepSchedule, logger)
	if err != nil {
		return err
	}

	restored, err := sched.Restore(ctx)
	if err != nil {
		logger.Error("restoring schedules", "error", err)
	}
	logger.Info("schedules restored", "rules", restored)

	go alarms.Run(ctx)
	go func() {
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("job runner stopped", "error", err)
		}
	}()
	sweeper.Start()
	defer sweeper.Stop()

	handler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Settings:  settingsMgr,
		Scheduler: sched,
		Queue:     queue,
		Token:     apiToken,
		Logger:    logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{Store: store, Scheduler: sched}))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "nudge listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("nudge is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop nudge (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to nudge (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	hc := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := hc.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("LLM", "%s (%s)", cfg.LLM.Provider, llm.DefaultHost(llm.Config{Provider: cfg.LLM.Provider, BaseURL: cfg.LLM.BaseURL}))
	if cfg.FCM.ProjectID != "" {
		printStatus("Delivery", "FCM project %s", cfg.FCM.ProjectID)
	} else {
		printStatus("Delivery", "log only")
	}
	if cfg.Alarm.ExactAllowed {
		printStatus("Alarms", "exact")
	} else {
		printStatus("Alarms", "inexact (window %s)", cfg.Alarm.InexactWindow)
	}

	if running {
		client, err := newAPIClient()
		if err == nil {
			var rules []api.RuleJSON
			if client.call(ctx, http.MethodGet, "/rules", nil, &rules) == nil {
				printStatus("Rules", "%s", ruleSummary(rules))
			}
			var s api.SettingsResponse
			if client.call(ctx, http.MethodGet, "/settings", nil, &s) == nil {
				printStatus("Notifications", "%s", onOff(s.NotificationsEnabled && s.PermissionGranted && s.SystemEnabled))
				printStatus("API key", "%s", onOff(s.HasAPIKey))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func ruleSummary(rules []api.RuleJSON) string {
	enabled := 0
	for _, r := range rules {
		if r.Enabled == nil || *r.Enabled {
			enabled++
		}
	}
	return fmt.Sprintf("%d (%d enabled)", len(rules), enabled)
}

func onOff(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
