package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/handlers"
	"github.com/mossy-p/meshcall/internal/redis"
	"github.com/mossy-p/meshcall/internal/store"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg := config.Load()
	cfg.ConfigureLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer client.Close()

	logrus.WithFields(logrus.Fields{
		"host": cfg.Redis.Host,
		"port": cfg.Redis.Port,
	}).Info("Redis connection established")

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	gw := handlers.NewGateway(store.NewRedis(client, cfg.Redis.DocTTL))
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(cfg, gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("Graceful shutdown failed")
		}
	}()

	logrus.WithField("port", cfg.Port).Info("Starting call signaling gateway")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Fatal("Failed to start server")
	}
}
