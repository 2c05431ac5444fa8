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
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/etf-validator/etfd/internal/api"
	"github.com/etf-validator/etfd/internal/log"
	"github.com/etf-validator/etfd/internal/model"
	"github.com/etf-validator/etfd/internal/service"
	"github.com/etf-validator/etfd/internal/store"
)

const shutdownTimeout = 10 * time.Second

var (
	flagListen   string // value of --listen flag
	flagSimulate bool   // value of --simulate flag
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the HTTP API and executes submitted test runs",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("etfd",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	cfg := config
	if flagListen != "" {
		cfg.Service.Listen = flagListen
	}
	if flagSimulate {
		cfg.Driver.Type = model.DriverSimulated
	}

	db, err := store.InitDB(ctx, cfg.Service.Database)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", cfg.Service.Database, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.ErrorContext(ctx, "closing database failed", "error", err)
		}
	}()

	svc, err := service.FromConfig(ctx, db, cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Service.Listen,
		Handler:           api.New(svc).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Do(gctx)
	})
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
