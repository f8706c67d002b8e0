package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
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

	"github.com/kalambet/mediarelay/internal/api"
	"github.com/kalambet/mediarelay/internal/cleanup"
	"github.com/kalambet/mediarelay/internal/config"
	"github.com/kalambet/mediarelay/internal/ingest"
	"github.com/kalambet/mediarelay/internal/logsink"
	"github.com/kalambet/mediarelay/internal/pipeline"
	"github.com/kalambet/mediarelay/internal/scheduler"
	"github.com/kalambet/mediarelay/internal/source/feedapi"
	"github.com/kalambet/mediarelay/internal/storage"
	"github.com/kalambet/mediarelay/internal/webhook"
)

// runGrace is how long shutdown waits for in-flight runs before cancelling them.
const runGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mediarelay server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running mediarelay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mediarelay server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "mediarelay.pid")
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
	fmt.Fprintf(os.Stderr, "mediarelay version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	console := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})
	slog.SetDefault(slog.New(console))

	// Refuse to start twice against the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("mediarelay is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("something is already listening on port %d", cfg.Server.Port)
		return fmt.Errorf("port %d in use", cfg.Server.Port)
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
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// From here on every info+ record is persisted and streamed.
	hub := logsink.NewHub(0)
	logger := slog.New(logsink.NewHandler(console, store, hub))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Media.Dir, 0o755); err != nil {
		return fmt.Errorf("creating media dir: %w", err)
	}
	if cfg.Server.APIToken == "" {
		logger.Warn("MEDIARELAY_API_TOKEN is not set; /api is unauthenticated")
	}

	session, err := feedapi.NewSession(feedapi.Config{
		BaseURL:           cfg.Source.BaseURL,
		Username:          cfg.Source.Username,
		Password:          cfg.Source.Password,
		SessionDir:        cfg.Source.SessionDir,
		Timeout:           cfg.Source.Timeout,
		RequestsPerMinute: cfg.Source.RequestsPerMinute,
		MaxBytes:          int64(cfg.Source.MaxDownloadMB) << 20,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("creating source session: %w", err)
	}
	defer session.Close()

	fetcher := ingest.NewFetcher(store, session, session, ingest.Options{
		MediaDir:     cfg.Media.Dir,
		Timeout:      cfg.Source.Timeout,
		RescanWindow: cfg.Source.RescanWindow,
		Logger:       logger,
	})
	dispatcher := webhook.New(store, webhook.Config{
		BaseURL:     cfg.Server.BaseURL,
		MediaDir:    cfg.Media.Dir,
		Timeout:     cfg.Webhook.Timeout,
		LinkTTL:     cfg.Webhook.LinkTTL,
		Concurrency: cfg.Webhook.Concurrency,
		Secret:      cfg.Webhook.Secret,
		Logger:      logger,
	})
	runner := pipeline.NewRunner(store, fetcher, dispatcher, logger)
	sweeper := cleanup.NewSweeper(store, cfg.Media.Dir, cfg.Cleanup.LogRetention, logger)

	sched := scheduler.New(runner.Run, store, scheduler.Config{
		Workers:         cfg.Scheduler.Workers,
		CleanupInterval: cfg.Scheduler.CleanupInterval,
		Cleanup: func(ctx context.Context) {
			sweeper.Sweep(ctx, cfg.Cleanup.Retention)
		},
		Logger: logger,
	})

	// Runs outlive the signal so shutdown can let them finish.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()
	if err := sched.Start(runCtx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	handler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Scheduler: sched,
		Replayer:  dispatcher,
		Sweeper:   sweeper,
		Session:   session,
		Hub:       hub,
		Retention: cfg.Cleanup.Retention,
		MediaDir:  cfg.Media.Dir,
		Token:     cfg.Server.APIToken,
		Version:   version,
		Logger:    logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:     store,
			Scheduler: sched,
			Version:   version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "mediarelay listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}

	drained := sched.Stop()
	select {
	case <-drained.Done():
	case <-time.After(runGrace):
		printStep("cancelling runs still in progress after %s", runGrace)
		cancelRuns()
		<-drained.Done()
	}
	return serveErr
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("mediarelay is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop mediarelay (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to mediarelay (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)
	printStatus("Source", "%s", cfg.Source.BaseURL)

	if err := printServerStats(ctx, client); err != nil {
		printWarning("could not load stats: %v", err)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Media dir", "%s", cfg.Media.Dir)
	return nil
}

func printServerStats(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/api/stats")
	if err != nil {
		return err
	}
	var stats api.StatsView
	if err := decodeJSON(resp, &stats); err != nil {
		return err
	}
	printStatus("Profiles", "%d (%d active)", stats.TotalProfiles, stats.ActiveProfiles)
	printStatus("Items", "%d posts, %d stories", stats.TotalPosts, stats.TotalStories)
	printStatus("Errors", "%d", stats.TotalErrors)
	if !stats.LastCheck.IsZero() {
		printStatus("Last check", "%s", stats.LastCheck.Local().Format(time.DateTime))
	}

	resp, err = client.get(ctx, "/api/session")
	if err != nil {
		return err
	}
	var sess struct {
		Username  string `json:"username"`
		LoggedIn  bool   `json:"logged_in"`
		Anonymous bool   `json:"anonymous"`
		LastError string `json:"last_error"`
	}
	if err := decodeJSON(resp, &sess); err != nil {
		return err
	}
	switch {
	case sess.Anonymous:
		printStatus("Session", "anonymous")
	case sess.LoggedIn:
		printStatus("Session", "logged in as %s", sess.Username)
	default:
		printStatus("Session", "not logged in (%s) %s", sess.Username, sess.LastError)
	}
	return nil
}
