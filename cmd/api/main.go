package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"reliefhub.org/internal/auth"
	"reliefhub.org/internal/collab"
	"reliefhub.org/internal/config"
	"reliefhub.org/internal/httpapi"
	"reliefhub.org/internal/obs"
	pgstore "reliefhub.org/internal/store/pg"
	"reliefhub.org/internal/stream"
)

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	obs.Init()
	obs.InitBuildInfo(cfg.Version, cfg.Commit)

	issuer, err := auth.NewIssuer(cfg.AuthSecret, cfg.TokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("auth issuer")
	}

	var (
		docs  collab.Service
		probe httpapi.ReadyProbe
		store *pgstore.Store
	)
	if cfg.PGDSN != "" {
		store, err = pgstore.Open(cfg.PGDSN, pgstore.WithSessionDefaults(cfg.Session.Defaults()))
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres")
		}
		docs = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
		log.Info().Msg("using postgres document store")
	} else {
		docs = collab.NewInMemory(demoDirectory(), collab.WithSessionDefaults(cfg.Session.Defaults()))
		log.Warn().Msg("RELIEFHUB_PG_DSN not set; using in-memory document store")
	}

	api := httpapi.New(probe, cfg.Version, docs, stream.New(), issuer,
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// No WriteTimeout: event streams stay open.
		IdleTimeout: 60 * time.Second,
	}

	health := httpapi.NewGRPCServer(probe, cfg.Version)
	grpcSrv := health.NewServer()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("version", cfg.Version).Msg("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		health.Shutdown()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
	}
	if store != nil {
		_ = store.Close()
	}
	log.Info().Msg("stopped")
}

// demoDirectory mirrors the users seeded by migrate so the in-memory mode
// accepts the same accounts.
func demoDirectory() *collab.StaticDirectory {
	return collab.NewStaticDirectory(map[string]collab.Identity{
		"coordinator": {DisplayName: "Field Coordinator", Email: "coordinator@reliefhub.org"},
		"medic":       {DisplayName: "Medical Lead", Email: "medic@reliefhub.org"},
		"logistics":   {DisplayName: "Logistics Officer", Email: "logistics@reliefhub.org"},
		"volunteer":   {DisplayName: "Volunteer Desk", Email: "volunteer@reliefhub.org"},
	})
}
