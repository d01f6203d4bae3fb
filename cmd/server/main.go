// Package main is the entry point for the Veridian governance server.
// It wires the trust engine, invite graph, promotion workflow and appeal
// jury system behind the HTTP boundary with metrics and graceful shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/veridian-network/veridian/database/connect"
	"github.com/veridian-network/veridian/database/migrate"
	"github.com/veridian-network/veridian/database/migrations"
	"github.com/veridian-network/veridian/internal/config"
	appealrepo "github.com/veridian-network/veridian/internal/repository/appeal"
	inviterepo "github.com/veridian-network/veridian/internal/repository/invite"
	promotionrepo "github.com/veridian-network/veridian/internal/repository/promotion"
	trustrepo "github.com/veridian-network/veridian/internal/repository/trust"
	"github.com/veridian-network/veridian/internal/server"
	"github.com/veridian-network/veridian/internal/service/appeal"
	"github.com/veridian-network/veridian/internal/service/invite"
	"github.com/veridian-network/veridian/internal/service/promotion"
	"github.com/veridian-network/veridian/internal/service/trust"
	"github.com/veridian-network/veridian/internal/upstream"
	"github.com/veridian-network/veridian/pkg/logger"
	"github.com/veridian-network/veridian/pkg/metrics"
	"github.com/veridian-network/veridian/pkg/redis"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	defer func() {
		if err := log.Sync(); err != nil {
			log.Warn("Failed to sync logger", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := connect.ConnectPostgres(ctx, log, cfg)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("Failed to close database", zap.Error(err))
		}
	}()
	if err := migrate.Apply(ctx, db, migrations.FS); err != nil {
		log.Fatal("Failed to apply migrations", zap.Error(err))
	}

	// Redis is optional: without it the trust profile cache is a no-op.
	var profileCache *redis.Cache
	if cfg.RedisHost != "" {
		redisClient, err := redis.NewClient(redis.Config{
			Host:         cfg.RedisHost,
			Port:         cfg.RedisPort,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     cfg.RedisPoolSize,
			MinIdleConns: cfg.RedisMinIdleConns,
			MaxRetries:   cfg.RedisMaxRetries,
		}, log)
		if err != nil {
			log.Warn("Redis unavailable, trust profile cache disabled", zap.Error(err))
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					log.Warn("Failed to close Redis client", zap.Error(err))
				}
			}()
			profileCache = redis.NewCache(redisClient, cfg.AppName, "trust")
		}
	}

	signalFeed := upstream.NewSignalFeed(cfg.SignalFeedURL, cfg.SignalTimeout, log)
	citationFeed := upstream.NewCitationFeed(cfg.CitationFeedURL, cfg.SignalTimeout, log)
	moderation := upstream.NewModeration(cfg.ModerationURL, cfg.SignalTimeout, log)

	trustRepo := trustrepo.NewRepository(db, log)
	inviteRepo := inviterepo.NewRepository(db, log)
	promotionRepo := promotionrepo.NewRepository(db, log)
	appealRepo := appealrepo.NewRepository(db, log)

	engine := trust.NewEngine(log.Named("trust"), trustRepo, signalFeed, citationFeed,
		profileCache, cfg.SignalTimeout, cfg.TrustProfileTTL)
	queue := trust.NewQueue(log.Named("trust.queue"), trustRepo, engine, cfg.RecalcBatchSize)
	inviteSvc := invite.NewService(log.Named("invite"), inviteRepo, invite.Policy{
		WarningThreshold: cfg.InviteWarningThreshold,
		HomogeneityFloor: cfg.InviteHomogeneityFloor,
		VelocityCount:    cfg.InviteVelocityCount,
		VelocityWindow:   cfg.InviteVelocityWindow,
		SeedingFloor:     cfg.InviteSeedingFloor,
	})
	promotionSvc := promotion.NewService(log.Named("promotion"), promotionRepo, inviteSvc,
		cfg.EndorsementRing, cfg.LineageDepth)
	appealSvc := appeal.NewService(log.Named("appeal"), appealRepo, moderation,
		cfg.JuryDeadline, cfg.JuryRequiredVotes)

	stopDrain, err := queue.StartDrainLoop(ctx, cfg.RecalcDrainCron)
	if err != nil {
		log.Fatal("Failed to start recalc drain loop", zap.Error(err))
	}
	defer stopDrain()

	stopSweep, err := appealSvc.StartSweepLoop(ctx, cfg.JurySweepCron)
	if err != nil {
		log.Fatal("Failed to start jury sweep loop", zap.Error(err))
	}
	defer stopSweep()

	go func() {
		if err := metrics.Serve(ctx, log, ":"+cfg.MetricsPort); err != nil {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	httpServer := server.StartHTTPServer(log, ":"+cfg.AppPort, cfg.JWTSecret, server.Services{
		Trust:     engine,
		Queue:     queue,
		Invite:    inviteSvc,
		Promotion: promotionSvc,
		Appeal:    appealSvc,
	})

	<-ctx.Done()
	log.Info("Shutting down")
	server.Shutdown(context.Background(), log, httpServer)
}
