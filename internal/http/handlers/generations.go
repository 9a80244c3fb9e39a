package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"imageforge/internal/domain"
	"imageforge/pkg/zip"
)

type createGenerationRequest struct {
	Prompt            string                    `json:"prompt"`
	Settings          domain.GenerationSettings `json:"settings"`
	ReferenceImageURL string                    `json:"referenceImageUrl"`
}

type refineRequest struct {
	Instruction     string `json:"instruction"`
	SelectedImageID string `json:"selectedImageId"`
}

type generationResponse struct {
	ID           string                    `json:"id"`
	Prompt       string                    `json:"prompt"`
	Settings     domain.GenerationSettings `json:"settings"`
	Status       domain.GenerationStatus   `json:"status"`
	ErrorMessage string                    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time                 `json:"createdAt"`
	UpdatedAt    time.Time                 `json:"updatedAt"`
}

type imageResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

type historyResponse struct {
	Role      domain.HistoryRole `json:"role"`
	Content   string             `json:"content"`
	ImageURLs []string           `json:"imageUrls,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

func toGenerationResponse(gen *domain.Generation) generationResponse {
	return generationResponse{
		ID:           gen.ID,
		Prompt:       gen.Prompt,
		Settings:     gen.Settings,
		Status:       gen.Status,
		ErrorMessage: gen.ErrorMessage,
		CreatedAt:    gen.CreatedAt,
		UpdatedAt:    gen.UpdatedAt,
	}
}

func (a *App) GenerationsCreate(w http.ResponseWriter, r *http.Request) {
	var req createGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	gen, err := a.Service.Create(r.Context(), req.Prompt, req.Settings, req.ReferenceImageURL)
	if err != nil {
		a.writeGenerationError(w, err)
		return
	}
	a.json(w, http.StatusCreated, toGenerationResponse(gen))
}

func (a *App) GenerationsGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	gen, images, history, err := a.Service.Get(r.Context(), id)
	if err != nil {
		a.writeGenerationError(w, err)
		return
	}

	imageItems := make([]imageResponse, 0, len(images))
	for _, img := range images {
		imageItems = append(imageItems, imageResponse{ID: img.ID, URL: img.ImageURL, CreatedAt: img.CreatedAt})
	}
	historyItems := make([]historyResponse, 0, len(history))
	for _, entry := range history {
		historyItems = append(historyItems, historyResponse{
			Role:      entry.Role,
			Content:   entry.Content,
			ImageURLs: entry.ImageURLs,
			CreatedAt: entry.CreatedAt,
		})
	}

	a.json(w, http.StatusOK, map[string]any{
		"generation": toGenerationResponse(gen),
		"images":     imageItems,
		"history":    historyItems,
	})
}

func (a *App) GenerationsList(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))

	items, total, err := a.Service.List(r.Context(), page, pageSize)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list generations")
		return
	}
	responses := make([]generationResponse, 0, len(items))
	for i := range items {
		responses = append(responses, toGenerationResponse(&items[i]))
	}
	a.json(w, http.StatusOK, map[string]any{
		"items": responses,
		"total": total,
	})
}

func (a *App) GenerationsDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Service.Delete(r.Context(), id); err != nil {
		a.writeGenerationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) GenerationsRefine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req refineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	gen, err := a.Service.Refine(r.Context(), id, req.Instruction, req.SelectedImageID)
	if err != nil {
		a.writeGenerationError(w, err)
		return
	}
	a.json(w, http.StatusOK, toGenerationResponse(gen))
}

// GenerationsDownload streams every stored image of a generation as one zip
// archive.
func (a *App) GenerationsDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, images, _, err := a.Service.Get(r.Context(), id)
	if err != nil {
		a.writeGenerationError(w, err)
		return
	}
	if len(images) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "generation has no images")
		return
	}

	var assets []zip.Asset
	for n, img := range images {
		key, ok := a.Store.KeyForURL(img.ImageURL)
		if !ok {
			continue
		}
		data, err := a.Store.Read(r.Context(), key)
		if err != nil {
			a.Logger.Warn().Err(err).Str("key", key).Msg("download: skip unreadable image")
			continue
		}
		assets = append(assets, zip.Asset{
			Filename: fmt.Sprintf("%s-%d%s", id, n, path.Ext(key)),
			MIME:     "image/png",
			Data:     data,
		})
	}
	if len(assets) == 0 {
		a.error(w, http.StatusInternalServerError, "internal", "no images could be read")
		return
	}

	archive := zip.ArchiveAssets(assets)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=generation-%s.zip", id))
	_, _ = w.Write(archive)
}

// writeGenerationError maps service errors onto HTTP responses.
func (a *App) writeGenerationError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		a.error(w, http.StatusBadRequest, "bad_request", ve.Error())
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
	case errors.Is(err, domain.ErrEngineUnavailable):
		a.error(w, http.StatusServiceUnavailable, "engine_unavailable", "image generation engine is not reachable")
	case errors.Is(err, domain.ErrNotRefinable):
		a.error(w, http.StatusConflict, "not_refinable", "only completed generations can be refined")
	case errors.Is(err, domain.ErrNoImages):
		a.error(w, http.StatusConflict, "no_images", "generation has no images to refine")
	default:
		a.Logger.Error().Err(err).Msg("handlers: generation request failed")
		a.error(w, http.StatusBadGateway, classify(err.Error()), describeFailure(err.Error()))
	}
}
