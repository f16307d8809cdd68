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
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/user/conclave/internal/api"
	"github.com/user/conclave/internal/auth"
	"github.com/user/conclave/internal/scheduler"
)

const shutdownGrace = 30 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conclave daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "conclave.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	if cfg.Auth.JWTSecret == "" {
		slog.Warn("auth.jwt_secret is empty; collaborate and transcript endpoints will reject every request")
	}
	if len(cfg.Collaboration.Roster) == 0 {
		slog.Warn("collaboration roster is empty; collaborate requests will fail")
	}

	jobs := []scheduler.Job{
		scheduler.TranscriptPrune(cfg.Schedule.TranscriptPrune, a.transcripts, cfg.Schedule.TranscriptRetention.Std()),
	}
	if a.driveToken != nil {
		jobs = append(jobs, scheduler.CredentialRefresh(cfg.Schedule.CredentialRefresh, a.driveToken, a.metrics))
	}
	sched := scheduler.New(jobs...)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := api.NewServer(api.Deps{
		Relay:            a.relay,
		Orchestrator:     a.orchestrator,
		Conversations:    a.conversations,
		Resolver:         a.resolver,
		Transcripts:      a.transcripts,
		Verifier:         auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		Metrics:          a.metrics,
		HistoryLimit:     cfg.Relay.HistoryLimit,
		CollaborateRate:  rate.Limit(cfg.Collaboration.RatePerMinute / 60),
		CollaborateBurst: cfg.Collaboration.Burst,
	})
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server started", "listen", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	slog.Info("conclave started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"llm_model", cfg.LLM.Model,
		"roster", len(cfg.Collaboration.Roster),
		"default_agent", cfg.Relay.DefaultAgent,
		"pid_file", pidFile,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var sig os.Signal
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case sig = <-sigChan:
	}

	shutdown(httpServer, a)
	if sig == syscall.SIGHUP {
		slog.Info("received SIGHUP, restarting")
		execPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		os.Remove(pidFile)
		sched.Stop()
		a.Close()
		if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
			return fmt.Errorf("re-exec: %w", err)
		}
	}
	slog.Info("shut down", "signal", sig)
	return nil
}

// shutdown stops accepting requests and waits for in-flight upstream
// streams to finish, up to shutdownGrace.
func shutdown(httpServer *http.Server, a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	if !a.gate.WaitIdle(shutdownGrace) {
		slog.Warn("upstream streams still active at shutdown", "active", a.gate.Active())
	}
}
