package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/barryq93/promSQL/internal/app"
	_ "github.com/barryq93/promSQL/internal/drivers"
	"github.com/sirupsen/logrus"
)

func main() {
	configFile := flag.String("config", "config.yml", "Path to configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg:  "message",
			logrus.FieldKeyTime: "timestamp",
		},
	})
	logger.SetOutput(os.Stdout)

	application, err := app.NewApplication(*configFile, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize application: %v", err)
	}
	logger.WithField("config", *configFile).Info("promSQL started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")
	application.Shutdown()
	logger.Info("Application shutdown complete")
}
