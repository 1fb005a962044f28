package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/risa-org/streamlink/message"
	"github.com/risa-org/streamlink/observability"
	"github.com/risa-org/streamlink/server"
)

func main() {
	addr := flag.String("addr", ":8501", "listen address")
	origins := flag.String("origins", "", "comma-separated allowed origins, empty allows any")
	tick := flag.Duration("tick", time.Second, "publish a demo message this often, 0 disables")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := observability.InitLogger("streamserver", *level)
	gin.SetMode(gin.ReleaseMode)

	var allowed []string
	if *origins != "" {
		allowed = strings.Split(*origins, ",")
	}
	srv, err := server.New(server.Config{
		AllowedOrigins: allowed,
		OnInbound: func(p []byte) {
			logger.Info().Int("bytes", len(p)).Str("payload", string(p)).Msg("inbound")
		},
		Logger: &logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *tick > 0 {
		go publishDemo(ctx, srv, *tick, logger)
	}

	httpServer := &http.Server{Addr: *addr, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		srv.CloseStreams()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", *addr).Msg("listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

// publishDemo sends a counter each tick. Every fifth tick publishes a
// cacheable message and the ticks after it refer to it by hash.
func publishDemo(ctx context.Context, srv *server.Server, every time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var n int
	var lastCached string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n++
		hash := fmt.Sprintf("tick-%d", n)
		payload, _ := json.Marshal(map[string]int{"tick": n})

		msg := &message.Message{Hash: hash, Payload: payload}
		switch {
		case n%5 == 0:
			msg.Metadata.Cacheable = true
			lastCached = hash
			if err := srv.Remember(msg); err != nil {
				logger.Error().Err(err).Msg("remember")
			}
		case lastCached != "":
			msg = &message.Message{Hash: hash, RefHash: lastCached}
		}
		if err := srv.Publish(msg); err != nil {
			logger.Error().Err(err).Msg("publish")
		}
	}
}
