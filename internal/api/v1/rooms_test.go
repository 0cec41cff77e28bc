package v1_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/gosuda/inkboard/internal/api/v1"
	"github.com/gosuda/inkboard/internal/domain"
)

// ---------------------------------------------------------------------------
// POST /rooms
// ---------------------------------------------------------------------------

func TestCreateRoom(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		var stored *domain.Room
		_, api := humatest.New(t)
		store := &mockDataStore{
			rooms: &mockRoomRepo{
				createFunc: func(_ context.Context, r *domain.Room) error {
					stored = r
					return nil
				},
			},
		}
		v1.RegisterRoomRoutes(api, store)

		resp := api.PostCtx(userCtx("user-1"), "/rooms", map[string]any{
			"name": "  Design Review ",
		})

		require.Equal(t, http.StatusCreated, resp.Code)

		var body v1.RoomBody
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, "Design Review", body.Name)
		assert.Equal(t, "user-1", body.AdminID)
		assert.NotEmpty(t, body.ID)
		require.NotNil(t, stored)
		assert.Equal(t, stored.ID, body.ID)
	})

	t.Run("missing_user_context", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		v1.RegisterRoomRoutes(api, &mockDataStore{rooms: &mockRoomRepo{}})

		resp := api.PostCtx(context.Background(), "/rooms", map[string]any{"name": "Design Review"})

		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("invalid_names", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name       string
			roomName   string
			wantStatus int
		}{
			{name: "too_short", roomName: "ab", wantStatus: http.StatusUnprocessableEntity},
			{name: "too_long", roomName: fmt.Sprintf("%051d", 0), wantStatus: http.StatusUnprocessableEntity},
			{name: "punctuation", roomName: "room #1!", wantStatus: http.StatusBadRequest},
			{name: "whitespace_only", roomName: "     ", wantStatus: http.StatusBadRequest},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()

				_, api := humatest.New(t)
				v1.RegisterRoomRoutes(api, &mockDataStore{rooms: &mockRoomRepo{}})

				resp := api.PostCtx(userCtx("user-1"), "/rooms", map[string]any{"name": tt.roomName})

				assert.Equal(t, tt.wantStatus, resp.Code)
			})
		}
	})

	t.Run("duplicate_name", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		store := &mockDataStore{
			rooms: &mockRoomRepo{
				createFunc: func(_ context.Context, _ *domain.Room) error {
					return fmt.Errorf("roomRepo.Create: %w", domain.ErrConflict)
				},
			},
		}
		v1.RegisterRoomRoutes(api, store)

		resp := api.PostCtx(userCtx("user-1"), "/rooms", map[string]any{"name": "Design Review"})

		assert.Equal(t, http.StatusConflict, resp.Code)
	})

	t.Run("store_error", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		store := &mockDataStore{
			rooms: &mockRoomRepo{
				createFunc: func(_ context.Context, _ *domain.Room) error {
					return errors.New("db: connection refused")
				},
			},
		}
		v1.RegisterRoomRoutes(api, store)

		resp := api.PostCtx(userCtx("user-1"), "/rooms", map[string]any{"name": "Design Review"})

		assert.Equal(t, http.StatusInternalServerError, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /rooms/by-name/{name}
// ---------------------------------------------------------------------------

func TestGetRoomByName(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()

		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		_, api := humatest.New(t)
		store := &mockDataStore{
			rooms: &mockRoomRepo{
				getByNameFunc: func(_ context.Context, name string) (*domain.Room, error) {
					return &domain.Room{ID: "room-1", Name: name, AdminID: "user-1", CreatedAt: created}, nil
				},
			},
		}
		v1.RegisterRoomRoutes(api, store)

		resp := api.GetCtx(userCtx("user-2"), "/rooms/by-name/Alpha")

		require.Equal(t, http.StatusOK, resp.Code)

		var body v1.RoomBody
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, "room-1", body.ID)
		assert.Equal(t, "Alpha", body.Name)
		assert.True(t, created.Equal(body.CreatedAt))
	})

	t.Run("not_found", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		store := &mockDataStore{
			rooms: &mockRoomRepo{
				getByNameFunc: func(_ context.Context, _ string) (*domain.Room, error) {
					return nil, domain.ErrNotFound
				},
			},
		}
		v1.RegisterRoomRoutes(api, store)

		resp := api.GetCtx(userCtx("user-2"), "/rooms/by-name/nowhere")

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /rooms
// ---------------------------------------------------------------------------

func TestListRooms(t *testing.T) {
	t.Parallel()

	t.Run("lists_callers_rooms", func(t *testing.T) {
		t.Parallel()

		var gotAdmin string
		_, api := humatest.New(t)
		store := &mockDataStore{
			rooms: &mockRoomRepo{
				listByAdminFunc: func(_ context.Context, adminID string) ([]*domain.Room, error) {
					gotAdmin = adminID
					return []*domain.Room{
						{ID: "a", Name: "Alpha", AdminID: adminID},
						{ID: "b", Name: "Beta", AdminID: adminID},
					}, nil
				},
			},
		}
		v1.RegisterRoomRoutes(api, store)

		resp := api.GetCtx(userCtx("user-1"), "/rooms")

		require.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "user-1", gotAdmin)

		var body []v1.RoomBody
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		require.Len(t, body, 2)
		assert.Equal(t, "Alpha", body[0].Name)
		assert.Equal(t, "Beta", body[1].Name)
	})

	t.Run("empty_is_array", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		store := &mockDataStore{
			rooms: &mockRoomRepo{
				listByAdminFunc: func(_ context.Context, _ string) ([]*domain.Room, error) {
					return nil, nil
				},
			},
		}
		v1.RegisterRoomRoutes(api, store)

		resp := api.GetCtx(userCtx("user-1"), "/rooms")

		require.Equal(t, http.StatusOK, resp.Code)
		assert.JSONEq(t, `[]`, resp.Body.String())
	})

	t.Run("missing_user_context", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		v1.RegisterRoomRoutes(api, &mockDataStore{rooms: &mockRoomRepo{}})

		resp := api.GetCtx(context.Background(), "/rooms")

		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})
}
