// Package pipeline moves shape changes from the relay to durable storage.
// The relay enqueues jobs onto Redis Streams lanes; workers consume them
// with at-least-once semantics and apply idempotent writes.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/gosuda/inkboard/internal/domain"
)

var (
	ErrInvalidJob  = errors.New("pipeline: invalid job")
	ErrUnknownRoom = errors.New("pipeline: unknown room")
)

type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Job is the unit of persistence work. Shapes is the serialized payload:
// the full shape envelope for CREATE and UPDATE, {"id": ...} for DELETE.
type Job struct {
	RoomID      string `json:"roomId"`
	ShapeAction Action `json:"shapeAction"`
	Shapes      string `json:"shapes"`
}

// DecodeJob parses and validates a queued payload. Every failure wraps
// ErrInvalidJob.
func DecodeJob(payload []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return Job{}, fmt.Errorf("%w: %s", ErrInvalidJob, err.Error())
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Validate checks the routing fields and that the payload matches the action.
func (j Job) Validate() error {
	if j.RoomID == "" {
		return fmt.Errorf("%w: missing roomId", ErrInvalidJob)
	}
	switch j.ShapeAction {
	case ActionCreate, ActionUpdate:
		_, err := j.Shape()
		return err
	case ActionDelete:
		_, err := j.ShapeID()
		return err
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidJob, j.ShapeAction)
	}
}

// Shape decodes the shape carried by a CREATE or UPDATE job.
func (j Job) Shape() (domain.Shape, error) {
	var s domain.Shape
	if err := json.Unmarshal([]byte(j.Shapes), &s); err != nil {
		return domain.Shape{}, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	if err := s.Validate(); err != nil {
		return domain.Shape{}, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	return s, nil
}

// ShapeID decodes the target of a DELETE job.
func (j Job) ShapeID() (string, error) {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(j.Shapes), &ref); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidJob, err.Error())
	}
	if ref.ID == "" {
		return "", fmt.Errorf("%w: missing shape id", ErrInvalidJob)
	}
	return ref.ID, nil
}

// LaneFor maps a room to a queue lane. All jobs of one room share a lane so
// a single consumer applies them in order.
func LaneFor(roomID string, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(roomID) % uint64(lanes))
}
