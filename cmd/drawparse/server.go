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
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/drawparse/drawparse/internal/ai"
	"github.com/drawparse/drawparse/internal/api"
	"github.com/drawparse/drawparse/internal/config"
	"github.com/drawparse/drawparse/internal/extract"
	"github.com/drawparse/drawparse/internal/ingest"
	"github.com/drawparse/drawparse/internal/jobs"
	"github.com/drawparse/drawparse/internal/storage"
	"github.com/drawparse/drawparse/internal/taskdir"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the drawparse server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "drawparse version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening job storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing job storage", "error", err)
		}
	}()

	tasks, err := taskdir.New(cfg.Storage.UploadsDir)
	if err != nil {
		return fmt.Errorf("opening uploads root: %w", err)
	}

	vision := ai.NewClient("vision", cfg.Vision.BaseURL, cfg.Vision.Model, cfg.Vision.APIKey, parseTimeout(cfg.Vision.Timeout))
	chat := ai.NewClient("chat", cfg.Chat.BaseURL, cfg.Chat.Model, cfg.Chat.APIKey, parseTimeout(cfg.Chat.Timeout))

	materializer := ingest.NewMaterializer(tasks, nil, cfg.Raster)
	extractor := extract.NewService(tasks, vision, chat)

	handler := api.NewHandler(api.Deps{
		Tasks:   tasks,
		Jobs:    store,
		Mat:     materializer,
		Extract: extractor,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		listener = netutil.LimitListener(listener, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Tasks: tasks, Extract: extractor})
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	mcpHTTP := server.NewStreamableHTTPServer(mcpSrv)

	worker := jobs.NewWorker(store, tasks, materializer, extractor, 500*time.Millisecond)

	ttl, err := time.ParseDuration(cfg.Cleanup.TTL)
	if err != nil {
		return fmt.Errorf("invalid cleanup TTL %q: %w", cfg.Cleanup.TTL, err)
	}
	interval, err := time.ParseDuration(cfg.Cleanup.Interval)
	if err != nil {
		return fmt.Errorf("invalid cleanup interval %q: %w", cfg.Cleanup.Interval, err)
	}
	sweeper := taskdir.NewSweeper(tasks, ttl, interval)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", addr)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("mcp server listening", "addr", mcpAddr)
		if err := mcpHTTP.Start(mcpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
			slog.Warn("mcp shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func parseTimeout(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
