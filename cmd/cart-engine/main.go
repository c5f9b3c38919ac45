package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/app"
	"github.com/vladislavdragonenkov/cartengine/internal/version"
)

const (
	envLogLevel  = "CARTENGINE_LOG_LEVEL"
	envLogFormat = "CARTENGINE_LOG_FORMAT"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(getenv func(string) string) {
	if strings.EqualFold(strings.TrimSpace(getenv(envLogFormat)), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level := log.InfoLevel
	if raw := strings.TrimSpace(getenv(envLogLevel)); raw != "" {
		parsed, err := log.ParseLevel(raw)
		if err != nil {
			log.WithField("value", raw).Warn("invalid log level, using info")
		} else {
			level = parsed
		}
	}
	log.SetLevel(level)
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Current())
		return
	}

	setupLogger(os.Getenv)
	cfg := app.LoadConfigFromEnv(os.Getenv, log.WithField("component", "config"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Current().Fields()).WithFields(log.Fields{
		"http_addr":      cfg.HTTPAddr,
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
	}).Info("запускаем cart engine")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("cart engine остановлен")
}
