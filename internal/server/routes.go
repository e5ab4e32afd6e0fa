package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"coderoom/internal/broadcast"
	"coderoom/internal/config"
	"coderoom/internal/logger"
	"coderoom/internal/metrics"
	"coderoom/internal/rooms"
	"coderoom/internal/session"
	"coderoom/internal/timer"
	"coderoom/internal/wshub"

	"github.com/go-redis/redis/v8"
)

const shutdownTimeout = 10 * time.Second

func Run() error {
	appCfg := config.Load()
	logger.Setup(appCfg.LogLevel)
	log := logger.For("server")

	rdb := redis.NewClient(&redis.Options{
		Addr:     appCfg.RedisAddr,
		Username: appCfg.RedisUsername,
		Password: appCfg.RedisPassword,
		DB:       appCfg.RedisDB,
	})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", appCfg.RedisAddr).Msg("redis not reachable yet, continuing")
	} else {
		log.Info().Str("addr", appCfg.RedisAddr).Msg("redis connected")
	}

	m := metrics.New()
	store := rooms.NewStore(rdb)
	bc := broadcast.NewHub(m)
	engine := timer.New(store, appCfg.TickInterval, m)
	coord := session.New(store, engine, bc, m, appCfg.DefaultTimeLimit)
	engine.SetListener(coord)

	hub := wshub.NewHub(bc, coord, m, wshub.Options{
		MessagesPerSecond: appCfg.MessagesPerSecond,
		MessageBurst:      appCfg.MessageBurst,
		OriginPatterns:    originPatterns(appCfg.AllowedOrigins),
	})

	srv := &Server{
		Rooms:   coord,
		Store:   store,
		WS:      hub.ServeWS,
		Metrics: m,
	}

	httpSrv := &http.Server{
		Addr:              "0.0.0.0:" + appCfg.Port,
		Handler:           srv.Routes(appCfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", appCfg.Port).Msg("server listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			engine.StopAll()
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	// timer keys stay in redis so another instance can pick the rooms up
	engine.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}

// originPatterns turns CORS origins into the host patterns the websocket
// handshake checks.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			out = append(out, "*")
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			out = append(out, o)
			continue
		}
		out = append(out, u.Host)
	}
	return out
}
