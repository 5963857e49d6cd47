package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/partydeck/server/internal/config"
	_ "github.com/partydeck/server/internal/games/beerpong"
	"github.com/partydeck/server/internal/games/horserace"
	_ "github.com/partydeck/server/internal/games/kingscup"
	"github.com/partydeck/server/internal/games/ridebus"
	"github.com/partydeck/server/internal/httpapi"
	"github.com/partydeck/server/internal/hub"
	"github.com/partydeck/server/internal/store"
	"github.com/partydeck/server/internal/ws"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	// Timed games take their pacing from the environment.
	horserace.DrawInterval = cfg.RaceDrawInterval
	ridebus.MatchDecisionTimeout = cfg.MatchDecisionTimeout
	ridebus.BusAnnounceDelay = cfg.BusAnnounceDelay

	db, err := store.Open(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := hub.New(ctx, db, log)
	api := httpapi.New(db, h, log, cfg.JoinURLBase)
	router := httpapi.SetupRoutes(api, ws.Handler(h, log, cfg.AllowedOrigins))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		h.Inbox() <- hub.ShutdownHub{}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
	log.Info("server stopped")
}
