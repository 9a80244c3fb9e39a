package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imageforge/internal/domain"
)

// GenerationRepositoryPG implements domain.GenerationRepository.
type GenerationRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewGenerationRepository creates a generation repository backed by PostgreSQL.
func NewGenerationRepository(pool *pgxpool.Pool) *GenerationRepositoryPG {
	return &GenerationRepositoryPG{pool: pool}
}

// Create inserts a new generation record.
func (r *GenerationRepositoryPG) Create(ctx context.Context, gen *domain.Generation) error {
	settings, err := json.Marshal(gen.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	query := `
INSERT INTO generations (id, prompt, settings, status, engine_job_id, error_message)
VALUES ($1, $2, $3, $4, $5, $6);
`
	_, err = r.pool.Exec(ctx, query,
		gen.ID,
		gen.Prompt,
		settings,
		gen.Status,
		gen.EngineJobID,
		gen.ErrorMessage,
	)
	return err
}

// GetByID fetches a generation by its identifier.
func (r *GenerationRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Generation, error) {
	query := `
SELECT id, prompt, settings, status, engine_job_id, error_message, created_at, updated_at
FROM generations
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, id)
	gen, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return gen, nil
}

// List returns one page of generations, newest first, plus the total count.
func (r *GenerationRepositoryPG) List(ctx context.Context, page, pageSize int) ([]domain.Generation, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM generations;`).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
SELECT id, prompt, settings, status, engine_job_id, error_message, created_at, updated_at
FROM generations
ORDER BY created_at DESC
LIMIT $1 OFFSET $2;
`
	rows, err := r.pool.Query(ctx, query, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []domain.Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *gen)
	}
	return out, total, rows.Err()
}

// SetEngineJobID records which engine job backs the generation.
func (r *GenerationRepositoryPG) SetEngineJobID(ctx context.Context, id, jobID string) error {
	query := `
UPDATE generations
SET engine_job_id = $2,
    updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, id, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateStatus moves the generation to a new status. A nil errMsg clears any
// stored error.
func (r *GenerationRepositoryPG) UpdateStatus(ctx context.Context, id string, status domain.GenerationStatus, errMsg *string) error {
	query := `
UPDATE generations
SET status = $2,
    error_message = COALESCE($3, ''),
    updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, id, status, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdatePrompt rewrites the stored prompt, used when a refinement lands.
func (r *GenerationRepositoryPG) UpdatePrompt(ctx context.Context, id, prompt string) error {
	query := `
UPDATE generations
SET prompt = $2,
    updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, id, prompt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkProcessingIfCompleted flips completed back to processing in one
// statement. The status predicate makes the flip atomic, so two concurrent
// refinements cannot both win.
func (r *GenerationRepositoryPG) MarkProcessingIfCompleted(ctx context.Context, id string) (bool, error) {
	query := `
UPDATE generations
SET status = $2,
    updated_at = NOW()
WHERE id = $1 AND status = $3;
`
	tag, err := r.pool.Exec(ctx, query, id, domain.StatusProcessing, domain.StatusCompleted)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes the generation; images and history rows cascade.
func (r *GenerationRepositoryPG) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM generations WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanGeneration(row pgx.Row) (*domain.Generation, error) {
	var gen domain.Generation
	var settings []byte
	if err := row.Scan(
		&gen.ID,
		&gen.Prompt,
		&settings,
		&gen.Status,
		&gen.EngineJobID,
		&gen.ErrorMessage,
		&gen.CreatedAt,
		&gen.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &gen.Settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}
	return &gen, nil
}
