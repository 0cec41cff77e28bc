package domain

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var roomNamePattern = regexp.MustCompile(`^[a-zA-Z0-9 ]+$`)

// Room is a named collaboration session. Its shape collection is stored
// separately and is only mutated by the persistence pipeline.
type Room struct {
	ID        string
	Name      string
	AdminID   string
	CreatedAt time.Time
}

// NewRoom creates a Room with a validated name and a fresh ID.
func NewRoom(name, adminID string) (*Room, error) {
	name = strings.TrimSpace(name)
	if len(name) < 3 || len(name) > 50 {
		return nil, errors.New("room: name must be 3-50 characters")
	}
	if !roomNamePattern.MatchString(name) {
		return nil, errors.New("room: name may only contain letters, numbers and spaces")
	}
	if adminID == "" {
		return nil, errors.New("room: admin ID is required")
	}
	return &Room{
		ID:        uuid.NewString(),
		Name:      name,
		AdminID:   adminID,
		CreatedAt: time.Now(),
	}, nil
}

type RoomRepository interface {
	Create(ctx context.Context, r *Room) error
	GetByID(ctx context.Context, id string) (*Room, error)
	GetByName(ctx context.Context, name string) (*Room, error)
	ListByAdmin(ctx context.Context, adminID string) ([]*Room, error)
}

// ShapeRepository is the durable per-room shape collection. Every mutation is
// keyed on the shape ID so that redelivered jobs can be applied twice.
type ShapeRepository interface {
	// List returns the room's shapes in creation order.
	List(ctx context.Context, roomID string) ([]Shape, error)
	// Upsert appends the shape, or overwrites the stored copy when the ID
	// already exists. Returns ErrNotFound when the room does not exist.
	Upsert(ctx context.Context, roomID string, s Shape) error
	// Replace overwrites an existing shape. Returns ErrNotFound when absent.
	Replace(ctx context.Context, roomID string, s Shape) error
	// Delete removes a shape by ID. Returns ErrNotFound when absent.
	Delete(ctx context.Context, roomID, shapeID string) error
}
