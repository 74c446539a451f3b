// Package main implements the checkout service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/udhos/checkout/api"
	"github.com/udhos/checkout/authorization"
	"github.com/udhos/checkout/cache"
	"github.com/udhos/checkout/clientcredentials"
	"github.com/udhos/checkout/config"
	"github.com/udhos/checkout/logging"
	"github.com/udhos/checkout/store/sqlstore"
)

func main() {
	errDotEnv := config.LoadDotEnv()

	cfg, errConfig := config.Load()

	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if errDotEnv != nil {
		log.WithError(errDotEnv).Warn("no .env file loaded")
	}
	if errConfig != nil {
		log.WithError(errConfig).Fatal("invalid configuration")
	}

	// Handle shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, errStore := sqlstore.Open(ctx, cfg.DB)
	if errStore != nil {
		log.WithError(errStore).WithField("driver", cfg.DB.Driver).Fatal("database unavailable")
	}
	defer store.Close()

	log.WithFields(logrus.Fields{
		"driver": cfg.DB.Driver,
		"db":     cfg.DBNameOrDefault(),
	}).Info("database ready")

	tokenCache, errCache := cache.New(cfg.TokenCache)
	if errCache != nil {
		log.WithError(errCache).Fatal("token cache")
	}

	tokens := clientcredentials.New(clientcredentials.Options{
		Credentials:         config.OAuthCredentials,
		Cache:               tokenCache,
		SoftExpireInSeconds: cfg.SoftExpireInSeconds,
		Logger:              log,
		Debug:               cfg.OAuthDebug,
	})

	server := api.New(api.Options{
		Port:      cfg.Port,
		DBName:    cfg.DBNameOrDefault(),
		Recorder:  authorization.NewSimulatedRecorder(store, nil),
		Tokens:    tokens,
		StaticDir: cfg.StaticDir,
		Logger:    log,
	})

	if err := server.Run(ctx); err != nil {
		log.WithError(err).Error("server stopped")
		store.Close()
		os.Exit(1)
	}

	log.Info("server stopped")
}
