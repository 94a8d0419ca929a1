package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"spheresync/core"
	"spheresync/syncserver/config"
	"spheresync/syncserver/controllers"
	"spheresync/syncserver/routes"
	"spheresync/syncserver/services"
)

func main() {
	zl, err := zap.NewProduction()
	if err != nil {
		logrus.Fatal(err)
	}
	zap.ReplaceGlobals(zl)

	if err := config.Load(); err != nil {
		logrus.Fatal(err)
	}

	opts := core.Options{Gateways: config.AppConfig.Gateways}
	if config.AppConfig.StateDir != "" {
		store, err := core.NewFileStatePersistence(config.AppConfig.StateDir)
		if err != nil {
			logrus.Fatal(err)
		}
		opts.Persistence = store
	}

	svc, err := services.NewService(config.AppConfig.SecretHex, opts)
	if err != nil {
		logrus.Fatal(err)
	}
	ctrl := controllers.NewStateController(svc)

	r := chi.NewRouter()
	routes.Register(r, ctrl)

	srv := &http.Server{Addr: ":" + config.AppConfig.Port, Handler: r}
	go func() {
		logrus.Infof("sync server listening on %s", config.AppConfig.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx := context.Background()
	_ = srv.Shutdown(ctx)
	svc.Shutdown(ctx)
}
