package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/risa-org/streamlink/client"
	"github.com/risa-org/streamlink/config"
	"github.com/risa-org/streamlink/connection"
	"github.com/risa-org/streamlink/endpoint"
	"github.com/risa-org/streamlink/message"
	"github.com/risa-org/streamlink/observability"
)

func main() {
	configPath := flag.String("config", "", "path to a streamlink TOML config")
	endpoints := flag.String("endpoints", "", "comma-separated endpoint URLs, overrides the config file")
	sendStdin := flag.Bool("stdin", false, "send each line read from stdin to the server")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *endpoints)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := observability.InitLogger("streamlink", cfg.LogLevel)
	if err := run(cfg, logger, *sendStdin); err != nil {
		logger.Error().Err(err).Msg("streamlink stopped")
		os.Exit(1)
	}
}

func loadConfig(path, endpoints string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if endpoints != "" {
		eps, err := endpoint.ParseAll(strings.Split(endpoints, ","))
		if err != nil {
			return config.Config{}, err
		}
		cfg.Endpoints = eps
	}
	return cfg, config.Validate(cfg)
}

func run(cfg config.Config, logger zerolog.Logger, sendStdin bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		observability.RegisterMetrics()
		metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer metrics.Close()
	}

	c, err := client.New(ctx, cfg, client.Options{
		OnMessage: func(msg *message.Message) {
			fmt.Printf("%s %s\n", msg.Hash, msg.Payload)
		},
		OnStateChange: func(state connection.State, errMsg string) {
			if errMsg != "" {
				logger.Info().Stringer("state", state).Str("reason", errMsg).Msg("connection state")
				return
			}
			logger.Info().Stringer("state", state).Msg("connection state")
		},
		OnRetry: func(attempts int, explanation string) {
			logger.Warn().Int("attempt", attempts).Msg(explanation)
		},
		Logger: &logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		return err
	}
	if sendStdin {
		go forwardStdin(c)
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		return nil
	case <-c.Done():
		return errors.New(c.Err())
	}
}

func forwardStdin(c *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		c.Send([]byte(scanner.Text()))
	}
}
