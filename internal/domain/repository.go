package domain

import "context"

// GenerationRepository defines persistence for generation records.
type GenerationRepository interface {
	Create(ctx context.Context, gen *Generation) error
	GetByID(ctx context.Context, id string) (*Generation, error)
	List(ctx context.Context, page, pageSize int) ([]Generation, int, error)
	SetEngineJobID(ctx context.Context, id, jobID string) error
	UpdateStatus(ctx context.Context, id string, status GenerationStatus, errMsg *string) error
	UpdatePrompt(ctx context.Context, id, prompt string) error
	// MarkProcessingIfCompleted flips a completed record back to processing.
	// It returns false without error when the record is in any other state,
	// which doubles as the guard against two refinements racing each other.
	MarkProcessingIfCompleted(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// ImageRepository handles persistence for generated images.
type ImageRepository interface {
	Insert(ctx context.Context, img *GeneratedImage) error
	ListByGeneration(ctx context.Context, generationID string) ([]GeneratedImage, error)
}

// HistoryRepository handles the append-only refinement conversation log.
type HistoryRepository interface {
	Append(ctx context.Context, entry *HistoryEntry) error
	ListByGeneration(ctx context.Context, generationID string) ([]HistoryEntry, error)
}
