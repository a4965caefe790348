package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/trustgate/pkg/api"
	"github.com/Mindburn-Labs/trustgate/pkg/config"
	"github.com/Mindburn-Labs/trustgate/pkg/policyloader"
	"github.com/Mindburn-Labs/trustgate/pkg/trustledger"
)

const shutdownTimeout = 15 * time.Second

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", "", "Path to a YAML config file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close(context.Background())

	if cfg.PolicySeedFile != "" {
		seed, err := policyloader.LoadFile(cfg.PolicySeedFile)
		if err != nil {
			logger.Error("policy seed rejected", "error", err)
			return 1
		}
		if _, err := policyloader.Apply(ctx, seed, a.approvals, a.directory); err != nil {
			logger.Error("policy seed failed", "error", err)
			return 1
		}
	}

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewServer(api.Deps{
			Approvals: a.approvals,
			Bundles:   a.bundles,
			Tokens:    a.tokens,
			Ledger:    a.ledger,
			Limiter:   a.limiter,
			Health:    a.db,
			Logger:    logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var wg sync.WaitGroup
	if cfg.LedgerBatchInterval > 0 {
		batcher := trustledger.NewBatcher(a.ledger, cfg.LedgerBatchInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			batcher.Run(ctx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("trustgate listening", "addr", srv.Addr, "database", cfg.DatabaseDriver)
		_, _ = fmt.Fprintf(stdout, "trustgate listening on %s\n", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			code = 1
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		code = 1
	}
	wg.Wait()
	return code
}
