package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"imageforge/internal/domain"
)

// ImageRepositoryPG implements domain.ImageRepository.
type ImageRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewImageRepository creates an image repository backed by PostgreSQL.
func NewImageRepository(pool *pgxpool.Pool) *ImageRepositoryPG {
	return &ImageRepositoryPG{pool: pool}
}

// Insert stores one generated image row.
func (r *ImageRepositoryPG) Insert(ctx context.Context, img *domain.GeneratedImage) error {
	query := `
INSERT INTO generated_images (id, generation_id, image_url)
VALUES ($1, $2, $3);
`
	_, err := r.pool.Exec(ctx, query, img.ID, img.GenerationID, img.ImageURL)
	return err
}

// ListByGeneration returns a generation's images in insertion order.
func (r *ImageRepositoryPG) ListByGeneration(ctx context.Context, generationID string) ([]domain.GeneratedImage, error) {
	query := `
SELECT id, generation_id, image_url, created_at
FROM generated_images
WHERE generation_id = $1
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, query, generationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.GeneratedImage
	for rows.Next() {
		var img domain.GeneratedImage
		if err := rows.Scan(&img.ID, &img.GenerationID, &img.ImageURL, &img.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}
