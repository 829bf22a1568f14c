package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/amora-app/messaging/internal/auth"
	"github.com/amora-app/messaging/internal/config"
	"github.com/amora-app/messaging/internal/database"
	"github.com/amora-app/messaging/internal/handler"
	"github.com/amora-app/messaging/internal/hub"
	"github.com/amora-app/messaging/internal/log"
	"github.com/amora-app/messaging/internal/presence"
	"github.com/amora-app/messaging/internal/router"
	"github.com/amora-app/messaging/internal/store"
)

const tokenDuration = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := log.L()
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Init(cfg.Log)
	l := log.L()

	db, err := database.New(&cfg.Database)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to database")
	}

	st, err := store.NewGormStore(db, cfg.Chat.MessageCost)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer st.Close()
	l.Info().Str("driver", cfg.Database.Driver).Msg("connected to database")

	var presenceStore presence.Store
	if cfg.Redis.Enabled {
		presenceStore, err = presence.NewRedisStore(cfg.Redis)
		if err != nil {
			l.Fatal().Err(err).Msg("failed to connect to redis")
		}
		l.Info().Str("address", cfg.Redis.Address).Msg("connected to redis")
	} else {
		presenceStore = presence.NewMemoryStore()
	}
	defer presenceStore.Close()

	wsHub := hub.NewHub()
	go wsHub.Run()

	tracker := presence.NewTracker(presenceStore, st, wsHub, cfg.Presence)
	defer tracker.Stop()

	authMgr := auth.NewManager(cfg.Auth.Secret, cfg.Auth.Issuer, tokenDuration)
	rtr := router.New(st, authMgr, wsHub, tracker)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), log.GinMiddleware(l))

	handler.NewWSHandler(wsHub, rtr, cfg.WebSocket).RegisterRoutes(engine)
	handler.NewHTTPHandler(st, tracker, authMgr).RegisterRoutes(engine)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     engine,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Info().Str("addr", server.Addr).Msg("messaging server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		l.Fatal().Err(err).Msg("server error")
	}
	l.Info().Msg("messaging server stopped")
}
