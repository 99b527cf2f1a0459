// Package main implements syncd, the background sync daemon for the
// school-data board. It keeps each configured student's feeds fresh on a
// fixed cadence and serves the admin API for inspection and control.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	app "github.com/bakaboard/sync_layer/internal/app"
	"github.com/bakaboard/sync_layer/internal/app/httpapi"
	"github.com/bakaboard/sync_layer/internal/config"
	"github.com/bakaboard/sync_layer/internal/secrets"
	"github.com/bakaboard/sync_layer/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "syncd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	envFile := flag.String("env", "", "Optional .env file loaded before the configuration")
	listen := flag.String("listen", "", "Admin API listen address (overrides api.listen)")
	watch := flag.Bool("watch", true, "Reload the configuration when the file changes")
	encrypt := flag.Bool("encrypt-credential", false,
		"Read a credential from stdin, print its sealed form, and exit")
	flag.Parse()

	if v := os.Getenv("SYNCD_CONFIG"); v != "" {
		*configPath = v
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return fmt.Errorf("load %s: %w", *envFile, err)
		}
	} else {
		// A .env next to the binary is a convenience for local runs.
		_ = godotenv.Load()
	}

	if *encrypt {
		return encryptCredential(os.Stdin, os.Stdout, os.Getenv(config.SecretKeyEnv))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	log := logger.New(logger.LoggingConfig(cfg.Log))
	log.WithField("config", *configPath).
		WithField("students", len(cfg.Students)).
		Info("starting syncd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg, app.Components{}, log)
	if err != nil {
		return err
	}

	if *watch {
		watcher := config.NewWatcher(*configPath, log, func(next *config.Config) {
			if *listen != "" {
				next.API.Listen = *listen
			}
			if err := application.Reconcile(next); err != nil {
				log.WithError(err).Warn("configuration reload failed")
				return
			}
			log.WithField("students", len(next.Students)).Info("configuration reloaded")
		})
		if err := application.Attach(watcher); err != nil {
			return err
		}
	}

	handler, err := httpapi.NewHandler(application, httpapi.Config{
		JWTSecret:      cfg.API.JWTSecret,
		RateLimit:      cfg.API.RateLimit,
		RateBurst:      cfg.API.RateBurst,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}, log)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.API.Listen,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.API.Listen).Info("admin api listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-serverErr:
		log.WithError(err).Error("admin api server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("admin api shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop application: %w", err)
	}

	log.Info("syncd stopped")
	return nil
}

// encryptCredential seals a credential read from in with the configured
// passphrase and writes the enc:v1: form, ready to paste into the students
// section.
func encryptCredential(in io.Reader, out io.Writer, key string) error {
	if key == "" {
		return fmt.Errorf("%s must be set to encrypt credentials", config.SecretKeyEnv)
	}
	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read credential: %w", err)
	}
	value := strings.TrimRight(string(raw), "\r\n")
	if value == "" {
		return fmt.Errorf("credential is empty")
	}
	sealed, err := secrets.Encrypt(value, key)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	_, err = fmt.Fprintln(out, sealed)
	return err
}
