// Command server runs the quotaguard rate limiting gateway.
//
// Usage:
//
//	server serve --redis-url redis://localhost:6379/0 --policy-file policy.yaml
//	server validate policy.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"quotaguard/internal/platform/config"
	"quotaguard/internal/platform/httpserver"
	"quotaguard/internal/platform/logger"
	rlconfig "quotaguard/internal/ratelimit/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Start the gateway."`
	Validate ValidateCmd `cmd:"" help:"Validate a policy file and exit."`
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Config config.Server `embed:""`
}

func (c *ServeCmd) Run() error {
	cfg := c.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := httpserver.New(cfg.Addr, app.router)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.publisher.Run(gctx)
	})
	g.Go(func() error {
		log.Info("starting quotaguard", "addr", cfg.Addr, "store", app.storeKind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "timeout", cfg.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// ValidateCmd loads a policy file over the defaults and reports the result.
type ValidateCmd struct {
	PolicyFile string `arg:"" optional:"" help:"Policy file to validate; defaults only when omitted." type:"path"`
}

func (c *ValidateCmd) Run() error {
	cfg, err := rlconfig.Load(c.PolicyFile)
	if err != nil {
		return err
	}
	source := c.PolicyFile
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Printf("policy ok: %s (%d classes, tier window %s, failure policy %s)\n",
		source, len(cfg.Classes), cfg.Tiers.Window, cfg.FailurePolicy)
	return nil
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("quotaguard"),
		kong.Description("Rate limiting and abuse protection gateway"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
