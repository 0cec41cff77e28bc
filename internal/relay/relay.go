// Package relay routes inbound wire messages: membership changes go to the
// registry, shape messages are fanned out to room peers and handed to the
// persistence pipeline.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/inkboard/internal/pipeline"
	"github.com/gosuda/inkboard/internal/protocol"
	"github.com/gosuda/inkboard/internal/registry"
)

var ErrNotMember = errors.New("relay: sender is not a member of the room")

// Enqueuer accepts persistence jobs. Implementations must bound how long
// Enqueue blocks.
type Enqueuer interface {
	Enqueue(ctx context.Context, job pipeline.Job) error
}

type Relay struct {
	registry *registry.Registry
	queue    Enqueuer
}

func New(reg *registry.Registry, queue Enqueuer) *Relay {
	return &Relay{registry: reg, queue: queue}
}

// Handle processes one frame received from connection from. Errors describe
// why the frame was dropped; they never require closing the connection.
func (r *Relay) Handle(ctx context.Context, from registry.ConnID, raw []byte) error {
	msg, err := protocol.Decode(raw)
	if err != nil {
		return fmt.Errorf("relay.Relay.Handle: %w", err)
	}

	switch m := msg.(type) {
	case protocol.JoinRoom:
		if err := r.registry.JoinRoom(from, m.RoomID); err != nil {
			return fmt.Errorf("relay.Relay.Handle: %w", err)
		}
		log.Debug().Uint64("conn_id", uint64(from)).Str("room_id", m.RoomID).Msg("relay: joined room")
		return nil
	case protocol.LeaveRoom:
		if err := r.registry.LeaveRoom(from, m.RoomID); err != nil {
			return fmt.Errorf("relay.Relay.Handle: %w", err)
		}
		log.Debug().Uint64("conn_id", uint64(from)).Str("room_id", m.RoomID).Msg("relay: left room")
		return nil
	}

	roomID := msg.Room()
	if !r.registry.IsMember(from, roomID) {
		return fmt.Errorf("relay.Relay.Handle: room %s: %w", roomID, ErrNotMember)
	}

	r.broadcast(from, roomID, raw)

	job, err := jobFor(msg)
	if err != nil {
		return fmt.Errorf("relay.Relay.Handle: %w", err)
	}
	// The producer bounds the enqueue and logs drops. Peers already have the
	// frame, so a closing connection must not cancel the job.
	_ = r.queue.Enqueue(context.WithoutCancel(ctx), job)
	return nil
}

// broadcast forwards the original bytes to every member except the sender.
func (r *Relay) broadcast(from registry.ConnID, roomID string, raw []byte) {
	for _, m := range r.registry.MembersOf(roomID) {
		if m.ID == from {
			continue
		}
		if !m.Peer.Send(raw) {
			log.Debug().Uint64("conn_id", uint64(m.ID)).Str("room_id", roomID).Msg("relay: send buffer full, frame dropped")
		}
	}
}

func jobFor(msg protocol.Message) (pipeline.Job, error) {
	switch m := msg.(type) {
	case protocol.Chat:
		return pipeline.Job{RoomID: m.RoomID, ShapeAction: pipeline.ActionCreate, Shapes: m.Message}, nil
	case protocol.UpdateMessage:
		b, err := json.Marshal(struct {
			ID    string          `json:"id"`
			Shape json.RawMessage `json:"shape"`
		}{m.MessageID, m.Shape})
		if err != nil {
			return pipeline.Job{}, err
		}
		return pipeline.Job{RoomID: m.RoomID, ShapeAction: pipeline.ActionUpdate, Shapes: string(b)}, nil
	case protocol.DeleteMessage:
		b, err := json.Marshal(struct {
			ID string `json:"id"`
		}{m.MessageID})
		if err != nil {
			return pipeline.Job{}, err
		}
		return pipeline.Job{RoomID: m.RoomID, ShapeAction: pipeline.ActionDelete, Shapes: string(b)}, nil
	default:
		return pipeline.Job{}, fmt.Errorf("no job for %s", msg.MessageType())
	}
}
