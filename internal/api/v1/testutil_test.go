package v1_test

import (
	"context"

	"github.com/gosuda/inkboard/internal/auth"
	"github.com/gosuda/inkboard/internal/domain"
	"github.com/gosuda/inkboard/internal/server/middleware"
)

// ---------------------------------------------------------------------------
// Context helpers: inject the caller identity into context for DoCtx
// ---------------------------------------------------------------------------

func userCtx(userID string) context.Context {
	return middleware.WithIdentity(context.Background(), auth.Identity{UserID: userID})
}

// ---------------------------------------------------------------------------
// Mock DataStore
// ---------------------------------------------------------------------------

type mockDataStore struct {
	rooms  domain.RoomRepository
	shapes domain.ShapeRepository
}

func (m *mockDataStore) Rooms() domain.RoomRepository   { return m.rooms }
func (m *mockDataStore) Shapes() domain.ShapeRepository { return m.shapes }

// ---------------------------------------------------------------------------
// Mock RoomRepository
// ---------------------------------------------------------------------------

type mockRoomRepo struct {
	createFunc      func(ctx context.Context, r *domain.Room) error
	getByIDFunc     func(ctx context.Context, id string) (*domain.Room, error)
	getByNameFunc   func(ctx context.Context, name string) (*domain.Room, error)
	listByAdminFunc func(ctx context.Context, adminID string) ([]*domain.Room, error)
}

func (m *mockRoomRepo) Create(ctx context.Context, r *domain.Room) error {
	return m.createFunc(ctx, r)
}

func (m *mockRoomRepo) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockRoomRepo) GetByName(ctx context.Context, name string) (*domain.Room, error) {
	return m.getByNameFunc(ctx, name)
}

func (m *mockRoomRepo) ListByAdmin(ctx context.Context, adminID string) ([]*domain.Room, error) {
	return m.listByAdminFunc(ctx, adminID)
}

// ---------------------------------------------------------------------------
// Mock ShapeRepository
// ---------------------------------------------------------------------------

type mockShapeRepo struct {
	listFunc    func(ctx context.Context, roomID string) ([]domain.Shape, error)
	upsertFunc  func(ctx context.Context, roomID string, s domain.Shape) error
	replaceFunc func(ctx context.Context, roomID string, s domain.Shape) error
	deleteFunc  func(ctx context.Context, roomID, shapeID string) error
}

func (m *mockShapeRepo) List(ctx context.Context, roomID string) ([]domain.Shape, error) {
	return m.listFunc(ctx, roomID)
}

func (m *mockShapeRepo) Upsert(ctx context.Context, roomID string, s domain.Shape) error {
	return m.upsertFunc(ctx, roomID, s)
}

func (m *mockShapeRepo) Replace(ctx context.Context, roomID string, s domain.Shape) error {
	return m.replaceFunc(ctx, roomID, s)
}

func (m *mockShapeRepo) Delete(ctx context.Context, roomID, shapeID string) error {
	return m.deleteFunc(ctx, roomID, shapeID)
}
