package generation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"imageforge/internal/comfy"
	"imageforge/internal/domain"
	"imageforge/internal/infra"
)

// EngineClient is the slice of the engine adapter the service needs.
type EngineClient interface {
	Submit(ctx context.Context, workflow comfy.Workflow) (string, error)
	WaitUntilDone(ctx context.Context, jobID string) (*comfy.JobState, error)
	FetchOutput(ctx context.Context, img comfy.OutputImage) ([]byte, error)
	UploadReference(ctx context.Context, data []byte, filename string) (string, error)
	HealthCheck(ctx context.Context) bool
}

// ObjectStore persists generated images and resolves their public URLs.
type ObjectStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	Read(ctx context.Context, key string) ([]byte, error)
	KeyForURL(url string) (string, bool)
}

// Service drives the generation lifecycle: it creates records, runs the
// engine jobs behind them, and applies refinements to completed results.
type Service struct {
	generations domain.GenerationRepository
	images      domain.ImageRepository
	history     domain.HistoryRepository
	engine      EngineClient
	store       ObjectStore
	tracker     *Tracker
	logger      *infra.Logger
	httpClient  *http.Client
}

// Options bundles the service dependencies.
type Options struct {
	Generations domain.GenerationRepository
	Images      domain.ImageRepository
	History     domain.HistoryRepository
	Engine      EngineClient
	Store       ObjectStore
	Tracker     *Tracker
	Logger      *infra.Logger
	// HTTPClient fetches reference images hosted outside the local store.
	HTTPClient *http.Client
}

// NewService wires a Service from its dependencies.
func NewService(opts Options) *Service {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Service{
		generations: opts.Generations,
		images:      opts.Images,
		history:     opts.History,
		engine:      opts.Engine,
		store:       opts.Store,
		tracker:     opts.Tracker,
		logger:      opts.Logger,
		httpClient:  httpClient,
	}
}

// Create validates the request, persists a processing record, and launches
// the engine work in the background. An optional reference image URL guides
// the generation; its bytes are uploaded to the engine before the first job.
// The returned record is what the client should poll or stream progress for.
func (s *Service) Create(ctx context.Context, prompt string, settings domain.GenerationSettings, referenceImageURL string) (*domain.Generation, error) {
	if prompt == "" {
		return nil, &domain.ValidationError{Field: "prompt", Reason: "is required"}
	}
	settings.Normalize()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if !s.engine.HealthCheck(ctx) {
		return nil, domain.ErrEngineUnavailable
	}

	gen := &domain.Generation{
		ID:       uuid.NewString(),
		Prompt:   prompt,
		Settings: settings,
		Status:   domain.StatusProcessing,
	}
	if err := s.generations.Create(ctx, gen); err != nil {
		return nil, fmt.Errorf("create generation: %w", err)
	}
	var refURLs []string
	if referenceImageURL != "" {
		refURLs = []string{referenceImageURL}
	}
	if err := s.history.Append(ctx, &domain.HistoryEntry{
		ID:           uuid.NewString(),
		GenerationID: gen.ID,
		Role:         domain.RoleUser,
		Content:      prompt,
		ImageURLs:    refURLs,
	}); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}

	go s.runSupervised(gen, referenceImageURL)
	return gen, nil
}

// runSupervised executes the generation on a background context so the
// record reaches a terminal state even when the HTTP request that created
// it is long gone. A panic in the pipeline marks the record failed rather
// than taking the process down.
func (s *Service) runSupervised(gen *domain.Generation, referenceImageURL string) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("generation_id", gen.ID).Interface("panic", r).Msg("generation: run panicked")
			s.markFailed(ctx, gen.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()
	if err := s.run(ctx, gen, referenceImageURL); err != nil {
		s.logger.Error().Err(err).Str("generation_id", gen.ID).Msg("generation: run failed")
		s.markFailed(ctx, gen.ID, err.Error())
	}
}

func (s *Service) run(ctx context.Context, gen *domain.Generation, referenceImageURL string) error {
	refName, err := s.uploadReference(ctx, gen.ID, referenceImageURL)
	if err != nil {
		return err
	}
	urls, err := s.runBatch(ctx, gen, gen.Prompt, refName, 0)
	if err != nil {
		return err
	}
	if err := s.history.Append(ctx, &domain.HistoryEntry{
		ID:           uuid.NewString(),
		GenerationID: gen.ID,
		Role:         domain.RoleAssistant,
		Content:      fmt.Sprintf("Generated %d image(s) successfully", len(urls)),
		ImageURLs:    urls,
	}); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if err := s.generations.UpdateStatus(ctx, gen.ID, domain.StatusCompleted, nil); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	s.logger.Info().Str("generation_id", gen.ID).Int("images", len(urls)).Msg("generation: completed")
	return nil
}

// runBatch submits one engine job per requested image and stores outputs as
// they land, returning the stored URLs. A fixed seed pins the first image;
// later batch members use seed+i so the batch stays reproducible without
// producing identical outputs. referenceFilename, when set, rides on every
// job of the batch. offset numbers stored keys past any existing images.
func (s *Service) runBatch(ctx context.Context, gen *domain.Generation, prompt, referenceFilename string, offset int) ([]string, error) {
	width, height, err := comfy.Dimensions(gen.Settings.Resolution, gen.Settings.AspectRatio)
	if err != nil {
		return nil, err
	}

	var urls []string
	for i := 0; i < gen.Settings.ImageCount; i++ {
		seed := gen.Settings.Seed
		if seed != nil && i > 0 {
			next := *gen.Settings.Seed + int64(i)
			seed = &next
		}
		wf := comfy.BuildWorkflow(comfy.WorkflowOptions{
			Prompt:            prompt,
			Width:             width,
			Height:            height,
			Steps:             gen.Settings.Steps,
			Guidance:          gen.Settings.Guidance,
			Seed:              seed,
			ReferenceFilename: referenceFilename,
		})

		jobID, err := s.engine.Submit(ctx, wf)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			// Only the first job is exposed for progress streaming;
			// later batch members ride on the same record.
			s.tracker.Register(gen.ID, jobID)
			if err := s.generations.SetEngineJobID(ctx, gen.ID, jobID); err != nil {
				return nil, fmt.Errorf("set engine job id: %w", err)
			}
		}

		state, err := s.engine.WaitUntilDone(ctx, jobID)
		if err != nil {
			return nil, err
		}
		batch, err := s.storeOutputs(ctx, gen.ID, state, offset+len(urls))
		if err != nil {
			return nil, err
		}
		urls = append(urls, batch...)
	}

	if len(urls) == 0 {
		return nil, domain.ErrNoImages
	}
	return urls, nil
}

// uploadReference pushes a reference image's bytes to the engine and returns
// the engine-side filename, or "" when no reference is in play.
func (s *Service) uploadReference(ctx context.Context, generationID, referenceURL string) (string, error) {
	if referenceURL == "" {
		return "", nil
	}
	refBytes, err := s.referenceBytes(ctx, referenceURL)
	if err != nil {
		return "", err
	}
	return s.engine.UploadReference(ctx, refBytes, "ref_"+generationID+".png")
}

// storeOutputs downloads every image a finished job produced, persists them,
// and records the rows. offset numbers keys across batch members.
func (s *Service) storeOutputs(ctx context.Context, generationID string, state *comfy.JobState, offset int) ([]string, error) {
	outputs := state.OutputImages()
	if len(outputs) == 0 {
		return nil, domain.ErrNoImages
	}
	var urls []string
	for n, out := range outputs {
		data, err := s.engine.FetchOutput(ctx, out)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("%s/%d.png", generationID, offset+n)
		url, err := s.store.Write(ctx, key, data)
		if err != nil {
			return nil, err
		}
		if err := s.images.Insert(ctx, &domain.GeneratedImage{
			ID:           uuid.NewString(),
			GenerationID: generationID,
			ImageURL:     url,
		}); err != nil {
			return nil, fmt.Errorf("insert image: %w", err)
		}
		urls = append(urls, url)
	}
	return urls, nil
}

func (s *Service) markFailed(ctx context.Context, id, msg string) {
	if err := s.generations.UpdateStatus(ctx, id, domain.StatusFailed, &msg); err != nil {
		s.logger.Error().Err(err).Str("generation_id", id).Msg("generation: mark failed")
	}
}

// Refine runs one refinement turn synchronously: it re-generates using an
// existing image as a reference plus the user's instruction. The reference is
// the explicitly selected image, or the first one when none is named. Only
// completed generations are refinable; the compare-and-set status flip also
// stops two refinements from racing each other.
func (s *Service) Refine(ctx context.Context, id, instruction, selectedImageID string) (*domain.Generation, error) {
	if instruction == "" {
		return nil, &domain.ValidationError{Field: "instruction", Reason: "is required"}
	}
	gen, err := s.generations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	images, err := s.images.ListByGeneration(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, domain.ErrNoImages
	}
	referenceURL := images[0].ImageURL
	if selectedImageID != "" {
		found := false
		for _, img := range images {
			if img.ID == selectedImageID {
				referenceURL = img.ImageURL
				found = true
				break
			}
		}
		if !found {
			return nil, &domain.ValidationError{Field: "selectedImageId", Reason: "does not belong to this generation"}
		}
	}
	if !s.engine.HealthCheck(ctx) {
		return nil, domain.ErrEngineUnavailable
	}

	flipped, err := s.generations.MarkProcessingIfCompleted(ctx, id)
	if err != nil {
		return nil, err
	}
	if !flipped {
		return nil, domain.ErrNotRefinable
	}

	if err := s.history.Append(ctx, &domain.HistoryEntry{
		ID:           uuid.NewString(),
		GenerationID: id,
		Role:         domain.RoleUser,
		Content:      instruction,
		ImageURLs:    []string{referenceURL},
	}); err != nil {
		return nil, s.failRefinement(ctx, id, fmt.Errorf("append history: %w", err))
	}

	if err := s.refine(ctx, gen, referenceURL, instruction); err != nil {
		return nil, s.failRefinement(ctx, id, err)
	}

	refined, err := s.generations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return refined, nil
}

// refine re-runs the per-image batch with the reference riding on every job
// and the instruction folded into the prompt.
func (s *Service) refine(ctx context.Context, gen *domain.Generation, referenceURL, instruction string) error {
	refName, err := s.uploadReference(ctx, gen.ID, referenceURL)
	if err != nil {
		return err
	}
	existing, err := s.images.ListByGeneration(ctx, gen.ID)
	if err != nil {
		return err
	}
	urls, err := s.runBatch(ctx, gen, gen.Prompt+". "+instruction, refName, len(existing))
	if err != nil {
		return err
	}

	if err := s.history.Append(ctx, &domain.HistoryEntry{
		ID:           uuid.NewString(),
		GenerationID: gen.ID,
		Role:         domain.RoleAssistant,
		Content:      fmt.Sprintf("Generated %d refined image(s) successfully", len(urls)),
		ImageURLs:    urls,
	}); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if err := s.generations.UpdatePrompt(ctx, gen.ID, gen.Prompt+" | Refinement: "+instruction); err != nil {
		return fmt.Errorf("update prompt: %w", err)
	}
	if err := s.generations.UpdateStatus(ctx, gen.ID, domain.StatusCompleted, nil); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// failRefinement puts the record back to completed so the original images
// stay usable and hands the error back to the caller. The record's error
// message is left clear; it is reserved for failed records.
func (s *Service) failRefinement(ctx context.Context, id string, cause error) error {
	if err := s.generations.UpdateStatus(ctx, id, domain.StatusCompleted, nil); err != nil {
		s.logger.Error().Err(err).Str("generation_id", id).Msg("generation: restore completed")
	}
	return cause
}

// referenceBytes loads a reference image, preferring the local store and
// falling back to an HTTP fetch for externally hosted URLs.
func (s *Service) referenceBytes(ctx context.Context, url string) ([]byte, error) {
	if key, ok := s.store.KeyForURL(url); ok {
		return s.store.Read(ctx, key)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch reference: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch reference: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch reference: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Get loads a generation with its images and refinement history.
func (s *Service) Get(ctx context.Context, id string) (*domain.Generation, []domain.GeneratedImage, []domain.HistoryEntry, error) {
	gen, err := s.generations.GetByID(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	images, err := s.images.ListByGeneration(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	history, err := s.history.ListByGeneration(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	return gen, images, history, nil
}

// List returns a page of generations plus the total count.
func (s *Service) List(ctx context.Context, page, pageSize int) ([]domain.Generation, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.generations.List(ctx, page, pageSize)
}

// Delete removes a generation and stops tracking its job. The engine job
// itself is not interrupted; it just has nowhere to land.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.generations.Delete(ctx, id); err != nil {
		return err
	}
	s.tracker.Forget(id)
	return nil
}

// ResolveJobID finds the engine job currently backing a generation, checking
// the in-memory tracker before the persisted column.
func (s *Service) ResolveJobID(ctx context.Context, id string) (string, error) {
	if jobID, ok := s.tracker.Lookup(id); ok {
		return jobID, nil
	}
	gen, err := s.generations.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return gen.EngineJobID, nil
}

// EngineHealthy reports whether the engine answers its health probe.
func (s *Service) EngineHealthy(ctx context.Context) bool {
	return s.engine.HealthCheck(ctx)
}

// Status re-reads just the record, for progress polling.
func (s *Service) Status(ctx context.Context, id string) (*domain.Generation, error) {
	return s.generations.GetByID(ctx, id)
}
