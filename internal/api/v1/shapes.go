package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/inkboard/internal/domain"
)

// ShapeBody is the wire envelope clients already use on the socket.
type ShapeBody struct {
	ID    string          `json:"id"`
	Shape json.RawMessage `json:"shape" doc:"Shape object with its type tag"`
}

type ListShapesInput struct {
	RoomID string `path:"roomID" doc:"Room ID"`
}

type ListShapesOutput struct {
	Body []ShapeBody
}

func RegisterShapeRoutes(api huma.API, store DataStore) {
	huma.Register(api, huma.Operation{
		OperationID: "list-shapes",
		Method:      http.MethodGet,
		Path:        "/rooms/{roomID}/shapes",
		Summary:     "List a room's persisted shapes in creation order",
		Tags:        []string{"Shapes"},
	}, func(ctx context.Context, input *ListShapesInput) (*ListShapesOutput, error) {
		if _, err := store.Rooms().GetByID(ctx, input.RoomID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("room not found")
			}
			return nil, huma.Error500InternalServerError("failed to get room", err)
		}

		shapes, err := store.Shapes().List(ctx, input.RoomID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list shapes", err)
		}

		out := make([]ShapeBody, 0, len(shapes))
		for _, s := range shapes {
			body, err := s.MarshalBody()
			if err != nil {
				return nil, huma.Error500InternalServerError("failed to encode shape", err)
			}
			out = append(out, ShapeBody{ID: s.ID, Shape: body})
		}
		return &ListShapesOutput{Body: out}, nil
	})
}
