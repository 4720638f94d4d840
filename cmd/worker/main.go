package main

import (
	"context"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"ragengine/internal/activities"
	"ragengine/internal/app"
	"ragengine/internal/config"
	"ragengine/internal/logging"
	"ragengine/internal/workflows"
)

func main() {
	_ = godotenv.Load(".env")
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component("worker")

	a, err := app.Build(context.Background(), cfg, log)
	if err != nil {
		log.WithError(err).Fatal("build app")
	}
	defer a.Close()

	c, err := client.Dial(client.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		log.WithError(err).Fatal("dial temporal")
	}
	defer c.Close()

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{})
	workflows.Register(w)
	activities.Register(w, activities.New(a.Pipeline, a.Store, a.ReportDir()))

	log.WithFields(logrus.Fields{
		"temporal": cfg.TemporalAddress,
		"queue":    cfg.TemporalTaskQueue,
		"embed":    a.Embedder.Model(),
	}).Info("ragengine worker listening")
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.WithError(err).Fatal("worker stopped")
	}
}
