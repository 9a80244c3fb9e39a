package handlers

import (
	"net/http"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	engineUp := a.Service.EngineHealthy(r.Context())
	status := "ok"
	if !engineUp {
		status = "degraded"
	}
	a.json(w, http.StatusOK, map[string]any{
		"status": status,
		"engine": engineUp,
	})
}
