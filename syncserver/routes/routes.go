package routes

import (
	"github.com/go-chi/chi/v5"

	"spheresync/syncserver/controllers"
	"spheresync/syncserver/middleware"
)

func Register(r chi.Router, sc *controllers.StateController) {
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Post("/api/state/save", sc.Save)
	r.Get("/api/state/load", sc.Load)
	r.Post("/api/state/sync", sc.Sync)
	r.Get("/api/state/exists", sc.Exists)
	r.Post("/api/state/clear", sc.Clear)
	r.Get("/api/state/status", sc.Status)
}
