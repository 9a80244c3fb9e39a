package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"imageforge/internal/comfy"
	"imageforge/internal/generation"
	"imageforge/internal/infra"
)

// ProgressSource delivers per-step engine progress for a job. Subscribe
// returns an unsubscribe func.
type ProgressSource interface {
	Subscribe(jobID string, fn comfy.ProgressCallback) func()
}

// App carries the handler dependencies.
type App struct {
	Service  *generation.Service
	Progress ProgressSource
	Store    generation.ObjectStore
	Logger   *infra.Logger

	// ProgressPollInterval is how often the progress stream re-reads the
	// record while waiting for a terminal state. Tests shrink it.
	ProgressPollInterval time.Duration
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}

func (a *App) pollInterval() time.Duration {
	if a.ProgressPollInterval > 0 {
		return a.ProgressPollInterval
	}
	return 2 * time.Second
}
