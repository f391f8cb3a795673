package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	tradingview "github.com/tradingiq/tradingview-client"
	"github.com/tradingiq/tradingview-client/internal/config"
	"github.com/tradingiq/tradingview-client/internal/logging"
	"github.com/tradingiq/tradingview-client/internal/statusapi"
	"github.com/tradingiq/tradingview-client/pine"
	"github.com/tradingiq/tradingview-client/websocket"
)

func main() {
	configPath := flag.String("config", "tvfeed.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger setup failed:", err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("tvfeed stopped", zap.Error(err))
		_ = closer.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	creds := websocket.Credentials{
		AuthToken: cfg.AuthToken,
		SessionID: cfg.SessionID,
		Signature: cfg.Signature,
	}
	client := tradingview.NewClient(logger, clientOptions(cfg, creds)...)
	resolver := pine.NewClient(logger, pine.WithCredentials(creds))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.ConnectWithRetry(ctx, cfg.ReconnectAttempts, cfg.ReconnectDelay); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	logger.Info("tvfeed connected",
		zap.String("release", client.Hello().Release),
		zap.Int("charts", len(cfg.Charts)),
		zap.Int("quotes", len(cfg.Quotes)))

	streamErr := make(chan error, 1)
	go func() {
		streamErr <- client.Stream()
	}()

	f := newFeed(client, resolver, logger)
	if err := f.start(ctx, cfg); err != nil {
		_ = client.Close()
		return err
	}

	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.StatusAddr != "" {
		srv = &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           statusapi.NewServer(client, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status server listening", zap.String("addr", cfg.StatusAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	var exitErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err := <-streamErr:
		if err == nil {
			err = errors.New("stream ended")
		}
		exitErr = err
	case err := <-serverErr:
		exitErr = fmt.Errorf("status server: %w", err)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown failed", zap.Error(err))
		}
	}
	if err := client.Close(); err != nil {
		logger.Debug("session teardown incomplete", zap.Error(err))
	}
	return exitErr
}

func clientOptions(cfg *config.Config, creds websocket.Credentials) []websocket.ClientOption {
	opts := []websocket.ClientOption{
		websocket.WithCredentials(creds),
		websocket.WithLocale(cfg.Language, cfg.Country),
	}
	if cfg.URL != "" {
		opts = append(opts, websocket.WithURL(cfg.URL))
	} else {
		opts = append(opts, websocket.WithServer(cfg.Server))
	}
	if cfg.RateBurst > 0 && cfg.RateEvery > 0 {
		opts = append(opts, websocket.WithRateLimit(cfg.RateBurst, cfg.RateEvery))
	}
	return opts
}
