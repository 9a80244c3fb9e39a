package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"imageforge/internal/domain"
)

// HistoryRepositoryPG implements domain.HistoryRepository.
type HistoryRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewHistoryRepository creates a history repository backed by PostgreSQL.
func NewHistoryRepository(pool *pgxpool.Pool) *HistoryRepositoryPG {
	return &HistoryRepositoryPG{pool: pool}
}

// Append adds one conversation turn. Entries are never updated or deleted
// individually; they go away with the generation.
func (r *HistoryRepositoryPG) Append(ctx context.Context, entry *domain.HistoryEntry) error {
	query := `
INSERT INTO generation_history (id, generation_id, role, content, image_urls)
VALUES ($1, $2, $3, $4, $5);
`
	_, err := r.pool.Exec(ctx, query,
		entry.ID,
		entry.GenerationID,
		entry.Role,
		entry.Content,
		entry.ImageURLs,
	)
	return err
}

// ListByGeneration returns the conversation in chronological order.
func (r *HistoryRepositoryPG) ListByGeneration(ctx context.Context, generationID string) ([]domain.HistoryEntry, error) {
	query := `
SELECT id, generation_id, role, content, image_urls, created_at
FROM generation_history
WHERE generation_id = $1
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, query, generationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.HistoryEntry
	for rows.Next() {
		var entry domain.HistoryEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.GenerationID,
			&entry.Role,
			&entry.Content,
			&entry.ImageURLs,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
