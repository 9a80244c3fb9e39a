package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"imageforge/internal/comfy"
	"imageforge/internal/domain"
	"imageforge/internal/generation"
	"imageforge/internal/infra"
)

// testEnv assembles an App over in-memory fakes.
type testEnv struct {
	app    *App
	repos  *stubRepos
	engine *stubEngine
	push   *stubProgress
}

func newTestEnv() *testEnv {
	repos := newStubRepos()
	engine := &stubEngine{healthy: true}
	store := &stubStore{objects: map[string][]byte{}}
	push := &stubProgress{}
	discard := zerolog.Nop()
	logger := infra.Logger(discard)

	svc := generation.NewService(generation.Options{
		Generations: repos,
		Images:      repos,
		History:     stubHistory{repos},
		Engine:      engine,
		Store:       store,
		Tracker:     generation.NewTracker(),
		Logger:      &logger,
	})
	app := &App{
		Service:              svc,
		Progress:             push,
		Store:                store,
		Logger:               &logger,
		ProgressPollInterval: 10 * time.Millisecond,
	}
	return &testEnv{app: app, repos: repos, engine: engine, push: push}
}

func (e *testEnv) seedGeneration(gen domain.Generation) {
	_ = e.repos.Create(context.Background(), &gen)
}

func (e *testEnv) seedImage(img domain.GeneratedImage) {
	_ = e.repos.Insert(context.Background(), &img)
}

type stubEngine struct {
	mu      sync.Mutex
	healthy bool
}

func (s *stubEngine) setHealthy(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = v
}

func (s *stubEngine) HealthCheck(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *stubEngine) Submit(ctx context.Context, wf comfy.Workflow) (string, error) {
	return "job-1", nil
}

func (s *stubEngine) WaitUntilDone(ctx context.Context, jobID string) (*comfy.JobState, error) {
	state := &comfy.JobState{
		Outputs: map[string]comfy.JobOutput{
			"9": {Images: []comfy.OutputImage{{Filename: jobID + ".png", Type: "output"}}},
		},
	}
	state.Status.Completed = true
	return state, nil
}

func (s *stubEngine) FetchOutput(ctx context.Context, img comfy.OutputImage) ([]byte, error) {
	return []byte("png-bytes"), nil
}

func (s *stubEngine) UploadReference(ctx context.Context, data []byte, filename string) (string, error) {
	return filename, nil
}

type stubStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *stubStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return "/images/" + key, nil
}

func (s *stubStore) Read(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("storage: read file: not found")
	}
	return data, nil
}

func (s *stubStore) KeyForURL(url string) (string, bool) {
	key, ok := strings.CutPrefix(url, "/images/")
	return key, ok && key != ""
}

// stubProgress records subscriptions and lets tests inject push frames.
type stubProgress struct {
	mu       sync.Mutex
	lastJob  string
	callback comfy.ProgressCallback
}

func (s *stubProgress) Subscribe(jobID string, fn comfy.ProgressCallback) func() {
	s.mu.Lock()
	s.lastJob = jobID
	s.callback = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.callback = nil
		s.mu.Unlock()
	}
}

func (s *stubProgress) emit(step, total int) {
	s.mu.Lock()
	fn := s.callback
	s.mu.Unlock()
	if fn != nil {
		fn(step, total)
	}
}

type stubRepos struct {
	mu          sync.Mutex
	generations map[string]*domain.Generation
	images      map[string][]domain.GeneratedImage
	history     map[string][]domain.HistoryEntry
}

func newStubRepos() *stubRepos {
	return &stubRepos{
		generations: map[string]*domain.Generation{},
		images:      map[string][]domain.GeneratedImage{},
		history:     map[string][]domain.HistoryEntry{},
	}
}

func (m *stubRepos) Create(ctx context.Context, gen *domain.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cloned := *gen
	m.generations[gen.ID] = &cloned
	return nil
}

func (m *stubRepos) GetByID(ctx context.Context, id string) (*domain.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.generations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cloned := *gen
	return &cloned, nil
}

func (m *stubRepos) List(ctx context.Context, page, pageSize int) ([]domain.Generation, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Generation
	for _, gen := range m.generations {
		out = append(out, *gen)
	}
	return out, len(out), nil
}

func (m *stubRepos) SetEngineJobID(ctx context.Context, id, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.generations[id]
	if !ok {
		return domain.ErrNotFound
	}
	gen.EngineJobID = jobID
	return nil
}

func (m *stubRepos) UpdateStatus(ctx context.Context, id string, status domain.GenerationStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.generations[id]
	if !ok {
		return domain.ErrNotFound
	}
	gen.Status = status
	if errMsg != nil {
		gen.ErrorMessage = *errMsg
	} else {
		gen.ErrorMessage = ""
	}
	return nil
}

func (m *stubRepos) UpdatePrompt(ctx context.Context, id, prompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.generations[id]
	if !ok {
		return domain.ErrNotFound
	}
	gen.Prompt = prompt
	return nil
}

func (m *stubRepos) MarkProcessingIfCompleted(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.generations[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if gen.Status != domain.StatusCompleted {
		return false, nil
	}
	gen.Status = domain.StatusProcessing
	return true, nil
}

func (m *stubRepos) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.generations[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.generations, id)
	delete(m.images, id)
	delete(m.history, id)
	return nil
}

func (m *stubRepos) Insert(ctx context.Context, img *domain.GeneratedImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[img.GenerationID] = append(m.images[img.GenerationID], *img)
	return nil
}

func (m *stubRepos) ListByGeneration(ctx context.Context, generationID string) ([]domain.GeneratedImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.GeneratedImage(nil), m.images[generationID]...), nil
}

func (m *stubRepos) Append(ctx context.Context, entry *domain.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[entry.GenerationID] = append(m.history[entry.GenerationID], *entry)
	return nil
}

func (m *stubRepos) setStatus(id string, status domain.GenerationStatus, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen := m.generations[id]
	gen.Status = status
	gen.ErrorMessage = errMsg
}

type stubHistory struct {
	*stubRepos
}

func (h stubHistory) ListByGeneration(ctx context.Context, generationID string) ([]domain.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.HistoryEntry(nil), h.history[generationID]...), nil
}
