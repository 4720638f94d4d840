package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	tclient "go.temporal.io/sdk/client"

	"ragengine/internal/api"
	"ragengine/internal/app"
	"ragengine/internal/config"
	"ragengine/internal/logging"
)

func main() {
	_ = godotenv.Load(".env")
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component("api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("build app")
	}
	defer a.Close()

	var dispatcher api.Dispatcher
	switch cfg.IngestMode {
	case "temporal":
		c, err := tclient.Dial(tclient.Options{HostPort: cfg.TemporalAddress})
		if err != nil {
			log.WithError(err).Fatal("dial temporal")
		}
		defer c.Close()
		dispatcher = api.NewTemporalDispatcher(c, cfg.TemporalTaskQueue, cfg.IngestTimeoutSecs, cfg.IngestMaxChildren)
	default:
		// a previous process may have died mid-ingest
		n, err := a.Pipeline.RecoverInterrupted(ctx)
		if err != nil {
			log.WithError(err).Warn("recover interrupted documents")
		} else if n > 0 {
			log.WithField("documents", n).Info("marked interrupted documents failed")
		}
		inline := api.NewInlineDispatcher(a.Pipeline, a.Store, time.Duration(cfg.IngestTimeoutSecs)*time.Second, log)
		defer inline.Close()
		dispatcher = inline
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewServer(a, dispatcher, log).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}()

	log.WithFields(logrus.Fields{
		"addr":        cfg.APIAddr,
		"ingest_mode": cfg.IngestMode,
		"vector":      cfg.VectorBackend,
		"embed":       a.Embedder.Model(),
		"collection":  cfg.Collection,
	}).Info("ragengine api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("serve")
	}
	<-drained
	log.Info("ragengine api stopped")
}
