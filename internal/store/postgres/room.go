package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/inkboard/internal/domain"
)

type RoomRepo struct {
	pool *pgxpool.Pool
}

func NewRoomRepo(pool *pgxpool.Pool) *RoomRepo {
	return &RoomRepo{pool: pool}
}

func (r *RoomRepo) Create(ctx context.Context, room *domain.Room) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO rooms (id, name, admin_id, created_at)
		 VALUES ($1, $2, $3, $4)`,
		room.ID, room.Name, room.AdminID, room.CreatedAt,
	)
	if pgCode(err) == codeUniqueViolation {
		return fmt.Errorf("roomRepo.Create: %w", domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("roomRepo.Create: %w", err)
	}

	return nil
}

func (r *RoomRepo) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	return r.getOne(ctx, "roomRepo.GetByID",
		`SELECT id, name, admin_id, created_at FROM rooms WHERE id = $1`, id)
}

func (r *RoomRepo) GetByName(ctx context.Context, name string) (*domain.Room, error) {
	return r.getOne(ctx, "roomRepo.GetByName",
		`SELECT id, name, admin_id, created_at FROM rooms WHERE name = $1`, name)
}

func (r *RoomRepo) ListByAdmin(ctx context.Context, adminID string) ([]*domain.Room, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, admin_id, created_at
		 FROM rooms WHERE admin_id = $1 ORDER BY created_at`,
		adminID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListByAdmin: %w", err)
	}
	defer rows.Close()

	var rooms []*domain.Room
	for rows.Next() {
		var room domain.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.AdminID, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("roomRepo.ListByAdmin: scan: %w", err)
		}
		rooms = append(rooms, &room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.ListByAdmin: rows: %w", err)
	}

	return rooms, nil
}

func (r *RoomRepo) getOne(ctx context.Context, op, query string, arg string) (*domain.Room, error) {
	var room domain.Room

	err := r.pool.QueryRow(ctx, query, arg).Scan(&room.ID, &room.Name, &room.AdminID, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &room, nil
}
