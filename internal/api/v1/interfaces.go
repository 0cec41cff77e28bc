package v1

import (
	"github.com/gosuda/inkboard/internal/domain"
)

// DataStore abstracts the repository accessor pattern for handler testing.
// *postgres.Store satisfies this interface.
type DataStore interface {
	Rooms() domain.RoomRepository
	Shapes() domain.ShapeRepository
}
