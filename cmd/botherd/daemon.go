package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/botherd/botherd/internal/api"
	"github.com/botherd/botherd/internal/config"
	"github.com/botherd/botherd/internal/supervisor"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the botherd daemon",
	Long:  "Start the supervisor daemon. Loads process specs, keeps the processes alive and rolls out git updates.",
	RunE:  runDaemon,
}

var (
	configPath string
	apiAddr    string
)

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", "", "Config file (default ~/.botherd/config.yaml)")
	daemonCmd.Flags().StringVar(&apiAddr, "api-addr", "", "Optional TCP address for the API (e.g. 127.0.0.1:9090)")
	rootCmd.AddCommand(daemonCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := os.MkdirAll(cfg.SpecDir, 0755); err != nil {
		return fmt.Errorf("creating spec dir: %w", err)
	}

	slog.Info("botherd daemon starting", "spec_dir", cfg.SpecDir, "repos", len(cfg.Repos))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sup, err := supervisor.New(cfg)
	if err != nil {
		return err
	}
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	socketPath := defaultSocketPath()
	os.Remove(socketPath)
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}

	srv := api.NewServer(sup, ctx)

	apiErrCh := make(chan error, 1)
	go func() {
		apiErrCh <- srv.ListenUnix(socketPath)
	}()

	tcpAddr := apiAddr
	if tcpAddr == "" {
		tcpAddr = cfg.APIAddr
	}
	if tcpAddr != "" {
		go func() {
			if err := srv.ListenTCP(tcpAddr); err != nil {
				slog.Error("TCP API error", "error", err)
			}
		}()
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- sup.Run(ctx)
	}()

	slog.Info("botherd daemon ready")

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
		<-runErrCh // Run performs the full shutdown on cancellation
	case err := <-apiErrCh:
		if err != nil {
			slog.Error("API server error", "error", err)
		}
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil {
			slog.Error("supervisor error", "error", err)
		}
	}

	srv.Shutdown(context.Background())
	os.Remove(socketPath)

	slog.Info("botherd daemon stopped")
	return nil
}
