package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/inkboard/internal/api/v1"
	"github.com/gosuda/inkboard/internal/api/ws"
)

func registerAPIRoutes(api huma.API, store v1.DataStore) {
	v1.RegisterRoomRoutes(api, store)
	v1.RegisterShapeRoutes(api, store)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/ws", hub.ServeCanvas)
	r.Get("/ws/canvas", hub.ServeCanvas)
}
