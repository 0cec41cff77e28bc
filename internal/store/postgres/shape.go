package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/inkboard/internal/domain"
)

// ShapeRepo stores each shape as its wire envelope in a JSONB column. seq is
// assigned on first insert and never changes, which keeps creation order
// stable across re-creates of the same id.
type ShapeRepo struct {
	pool *pgxpool.Pool
}

func NewShapeRepo(pool *pgxpool.Pool) *ShapeRepo {
	return &ShapeRepo{pool: pool}
}

func (r *ShapeRepo) List(ctx context.Context, roomID string) ([]domain.Shape, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT data FROM shapes WHERE room_id = $1 ORDER BY seq`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("shapeRepo.List: %w", err)
	}
	defer rows.Close()

	shapes := []domain.Shape{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("shapeRepo.List: scan: %w", err)
		}
		var s domain.Shape
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("shapeRepo.List: decode: %w", err)
		}
		shapes = append(shapes, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shapeRepo.List: rows: %w", err)
	}

	return shapes, nil
}

func (r *ShapeRepo) Upsert(ctx context.Context, roomID string, s domain.Shape) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("shapeRepo.Upsert: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO shapes (room_id, id, data, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (room_id, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		roomID, s.ID, data,
	)
	if pgCode(err) == codeForeignKeyViolation {
		return fmt.Errorf("shapeRepo.Upsert: room %s: %w", roomID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("shapeRepo.Upsert: %w", err)
	}

	return nil
}

func (r *ShapeRepo) Replace(ctx context.Context, roomID string, s domain.Shape) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("shapeRepo.Replace: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE shapes SET data = $1, updated_at = now()
		 WHERE room_id = $2 AND id = $3`,
		data, roomID, s.ID,
	)
	if err != nil {
		return fmt.Errorf("shapeRepo.Replace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("shapeRepo.Replace: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *ShapeRepo) Delete(ctx context.Context, roomID, shapeID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM shapes WHERE room_id = $1 AND id = $2`,
		roomID, shapeID,
	)
	if err != nil {
		return fmt.Errorf("shapeRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("shapeRepo.Delete: %w", domain.ErrNotFound)
	}

	return nil
}
