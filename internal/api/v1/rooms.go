package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/inkboard/internal/domain"
	"github.com/gosuda/inkboard/internal/server/middleware"
)

type RoomBody struct {
	ID        string    `json:"id" doc:"Room ID"`
	Name      string    `json:"name" doc:"Room name"`
	AdminID   string    `json:"adminId" doc:"User that created the room"`
	CreatedAt time.Time `json:"createdAt"`
}

func roomBody(r *domain.Room) RoomBody {
	return RoomBody{ID: r.ID, Name: r.Name, AdminID: r.AdminID, CreatedAt: r.CreatedAt}
}

type CreateRoomInput struct {
	Body struct {
		Name string `json:"name" minLength:"3" maxLength:"50" doc:"Room name (letters, numbers and spaces)"`
	}
}

type CreateRoomOutput struct {
	Body RoomBody
}

type GetRoomByNameInput struct {
	Name string `path:"name" doc:"Room name"`
}

type GetRoomByNameOutput struct {
	Body RoomBody
}

type ListRoomsInput struct{}

type ListRoomsOutput struct {
	Body []RoomBody
}

func RegisterRoomRoutes(api huma.API, store DataStore) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-room",
		Method:        http.MethodPost,
		Path:          "/rooms",
		Summary:       "Create a room",
		Tags:          []string{"Rooms"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateRoomInput) (*CreateRoomOutput, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("missing user context")
		}

		room, err := domain.NewRoom(input.Body.Name, userID)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}

		if createErr := store.Rooms().Create(ctx, room); createErr != nil {
			if errors.Is(createErr, domain.ErrConflict) {
				return nil, huma.Error409Conflict("room name already taken")
			}
			return nil, huma.Error500InternalServerError("failed to create room", createErr)
		}

		return &CreateRoomOutput{Body: roomBody(room)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-room-by-name",
		Method:      http.MethodGet,
		Path:        "/rooms/by-name/{name}",
		Summary:     "Look up a room by name",
		Tags:        []string{"Rooms"},
	}, func(ctx context.Context, input *GetRoomByNameInput) (*GetRoomByNameOutput, error) {
		room, err := store.Rooms().GetByName(ctx, input.Name)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("room not found")
			}
			return nil, huma.Error500InternalServerError("failed to get room", err)
		}

		return &GetRoomByNameOutput{Body: roomBody(room)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rooms",
		Method:      http.MethodGet,
		Path:        "/rooms",
		Summary:     "List rooms created by the caller",
		Tags:        []string{"Rooms"},
	}, func(ctx context.Context, _ *ListRoomsInput) (*ListRoomsOutput, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("missing user context")
		}

		rooms, err := store.Rooms().ListByAdmin(ctx, userID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list rooms", err)
		}

		out := make([]RoomBody, 0, len(rooms))
		for _, r := range rooms {
			out = append(out, roomBody(r))
		}
		return &ListRoomsOutput{Body: out}, nil
	})
}
