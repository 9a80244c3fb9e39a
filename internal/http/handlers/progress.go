package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"imageforge/internal/domain"
)

type progressEvent struct {
	Type        string `json:"type"`
	CurrentStep int    `json:"currentStep,omitempty"`
	TotalSteps  int    `json:"totalSteps,omitempty"`
	Percentage  int    `json:"percentage,omitempty"`
	ImageIndex  int    `json:"imageIndex,omitempty"`
	TotalImages int    `json:"totalImages,omitempty"`
	Status      string `json:"status,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	Message     string `json:"message,omitempty"`
}

// eventStream serializes SSE writes. Once a terminal event has gone out no
// further frames are written, no matter what the push channel still
// delivers.
type eventStream struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	flusher  http.Flusher
	terminal bool
}

func (s *eventStream) send(ev progressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}
	s.write(ev)
}

func (s *eventStream) terminate(ev progressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}
	s.write(ev)
	s.terminal = true
}

func (s *eventStream) write(ev progressEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := s.w.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
		s.terminal = true
		return
	}
	s.flusher.Flush()
}

// GenerationsProgress streams generation progress as server-sent events.
// Live step updates arrive over the engine's push channel; the terminal
// state comes from polling the record, so a lost push connection degrades
// to coarser updates instead of a hung stream.
func (a *App) GenerationsProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		// Query form, for clients built against the older flat route.
		id = r.URL.Query().Get("id")
	}
	if id == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "generation id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	stream := &eventStream{w: w, flusher: flusher}
	stream.send(progressEvent{Type: "connected", Status: string(domain.StatusProcessing)})

	if !a.Service.EngineHealthy(ctx) {
		stream.terminate(progressEvent{
			Type:      "error",
			ErrorCode: "engine_offline",
			Message:   "image generation engine is not reachable",
		})
		return
	}

	gen, err := a.Service.Status(ctx, id)
	if err != nil {
		stream.terminate(notFoundOrInternal(err))
		return
	}
	totalSteps := gen.Settings.StepsOrDefault()

	// Optional batch position, so a client rendering a multi-image batch can
	// label the stream it is showing.
	imageIndex := queryInt(r, "imageIndex", 1)
	totalImages := queryInt(r, "totalImages", gen.Settings.ImageCount)

	jobID, err := a.Service.ResolveJobID(ctx, id)
	if err == nil && jobID != "" {
		// Once 100% has gone out, later push frames are dropped so the
		// reported percentage never moves backwards or repeats the top.
		var full atomic.Bool
		unsubscribe := a.Progress.Subscribe(jobID, func(step, total int) {
			if full.Load() {
				return
			}
			if total <= 0 {
				total = totalSteps
			}
			pct := (step*100 + total/2) / total
			if pct >= 100 {
				pct = 100
				full.Store(true)
			}
			stream.send(progressEvent{
				Type:        "progress",
				CurrentStep: step,
				TotalSteps:  total,
				Percentage:  pct,
				ImageIndex:  imageIndex,
				TotalImages: totalImages,
				Status:      string(domain.StatusProcessing),
			})
		})
		defer unsubscribe()
	}

	// Poll immediately so a record that is already terminal resolves the
	// stream without waiting a full tick.
	ticker := time.NewTicker(a.pollInterval())
	defer ticker.Stop()
	for {
		gen, err := a.Service.Status(ctx, id)
		if err != nil {
			stream.terminate(notFoundOrInternal(err))
			return
		}
		switch gen.Status {
		case domain.StatusCompleted:
			stream.terminate(progressEvent{
				Type:        "complete",
				CurrentStep: totalSteps,
				TotalSteps:  totalSteps,
				Percentage:  100,
				ImageIndex:  imageIndex,
				TotalImages: totalImages,
				Status:      string(domain.StatusCompleted),
				Message:     "Generation completed successfully",
			})
			return
		case domain.StatusFailed:
			stream.terminate(progressEvent{
				Type:      "error",
				Status:    string(domain.StatusFailed),
				ErrorCode: classify(gen.ErrorMessage),
				Message:   describeFailure(gen.ErrorMessage),
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func notFoundOrInternal(err error) progressEvent {
	if errors.Is(err, domain.ErrNotFound) {
		return progressEvent{Type: "error", ErrorCode: "not_found", Message: "generation not found"}
	}
	return progressEvent{Type: "error", ErrorCode: "internal", Message: "failed to read generation state"}
}
