package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/handlers"
	"github.com/mossy-p/meshcall/internal/logging"
	"github.com/mossy-p/meshcall/internal/mailbox"
	"github.com/mossy-p/meshcall/internal/redis"
	"github.com/mossy-p/meshcall/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	switch cfg.Store {
	case config.StoreRedis:
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer client.Close()
		log.WithField("addr", cfg.Redis.Addr()).Info("Redis connection established")
		st = store.NewRedis(client)
	default:
		log.Warn("Using in-memory store; rooms and signals are lost on restart")
		st = store.NewMemory()
	}

	svc := mailbox.NewService(st, mailbox.Options{
		RoomLifetime:    cfg.Mailbox.RoomLifetime,
		DefaultCapacity: cfg.Mailbox.DefaultCapacity,
		MaxSignalAge:    cfg.Mailbox.MaxSignalAge,
		Logger:          log,
	})
	go svc.RunSweeper(ctx, cfg.Mailbox.SweepInterval)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.New(svc, log), handlers.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("Starting signal mailbox server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Graceful shutdown failed")
	}
}
