// Package canvas is the client-side shape model: the local list of shapes
// plus a linear undo/redo history. Every successful mutation is reported to an
// Outbox as wire messages so peers and the persistence pipeline converge.
package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gosuda/inkboard/internal/domain"
	"github.com/gosuda/inkboard/internal/protocol"
)

var (
	ErrNothingToUndo    = errors.New("canvas: nothing to undo")
	ErrNothingToRedo    = errors.New("canvas: nothing to redo")
	ErrShapeNotFound    = errors.New("canvas: shape not found")
	ErrDuplicateShape   = errors.New("canvas: shape already exists")
	ErrIDMismatch       = errors.New("canvas: original and new shape ids differ")
	ErrEmptyOperation   = errors.New("canvas: operation has no shapes")
	ErrUnknownOperation = errors.New("canvas: unknown operation kind")
)

// Outbox receives the wire messages produced by local edits.
type Outbox interface {
	Emit(msg protocol.Message)
}

// Canvas is safe for concurrent use: local edits and remote messages may
// arrive from different goroutines.
type Canvas struct {
	mu      sync.Mutex
	roomID  string
	outbox  Outbox
	shapes  []domain.Shape
	history []Operation
	redo    []Operation
}

// New creates an empty canvas for roomID. outbox may be nil.
func New(roomID string, outbox Outbox) *Canvas {
	return &Canvas{roomID: roomID, outbox: outbox}
}

// NewShapeID returns a fresh globally unique shape ID.
func NewShapeID() string {
	return uuid.NewString()
}

// Load replaces the local shapes with a persisted snapshot and clears history.
func (c *Canvas) Load(shapes []domain.Shape) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shapes = slices.Clone(shapes)
	c.history = nil
	c.redo = nil
}

// Shapes returns a copy of the current shape list in paint order.
func (c *Canvas) Shapes() []domain.Shape {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.shapes)
}

func (c *Canvas) CanUndo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history) > 0
}

func (c *Canvas) CanRedo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.redo) > 0
}

// Apply performs a user-initiated operation, records it in history and clears
// the redo stack.
func (c *Canvas) Apply(op Operation) error {
	c.mu.Lock()
	applied, msgs, err := c.forward(op)
	if err == nil {
		c.history = append(c.history, applied)
		c.redo = nil
	}
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("canvas.Canvas.Apply: %w", err)
	}
	c.emit(msgs)
	return nil
}

// Undo reverts the most recent operation. It returns ErrNothingToUndo and
// leaves the canvas untouched when history is empty.
func (c *Canvas) Undo() error {
	c.mu.Lock()
	if len(c.history) == 0 {
		c.mu.Unlock()
		return ErrNothingToUndo
	}
	op := c.history[len(c.history)-1]
	c.history = c.history[:len(c.history)-1]

	msgs, err := c.backward(op)
	if err == nil {
		c.redo = append(c.redo, op)
	}
	c.mu.Unlock()

	if err != nil {
		// A peer removed or replaced the target; the entry cannot be undone.
		return fmt.Errorf("canvas.Canvas.Undo: %w", err)
	}
	c.emit(msgs)
	return nil
}

// Redo re-applies the most recently undone operation.
func (c *Canvas) Redo() error {
	c.mu.Lock()
	if len(c.redo) == 0 {
		c.mu.Unlock()
		return ErrNothingToRedo
	}
	op := c.redo[len(c.redo)-1]
	c.redo = c.redo[:len(c.redo)-1]

	applied, msgs, err := c.forward(op)
	if err == nil {
		c.history = append(c.history, applied)
	}
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("canvas.Canvas.Redo: %w", err)
	}
	c.emit(msgs)
	return nil
}

// ApplyRemote folds a message from a peer into the local shapes without
// touching history. Messages for other rooms and membership messages are
// ignored.
func (c *Canvas) ApplyRemote(msg protocol.Message) error {
	if msg.Room() != c.roomID {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch m := msg.(type) {
	case protocol.Chat:
		var s domain.Shape
		if err := json.Unmarshal([]byte(m.Message), &s); err != nil {
			return fmt.Errorf("canvas.Canvas.ApplyRemote: %w", err)
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("canvas.Canvas.ApplyRemote: %w", err)
		}
		if i := c.indexOf(s.ID); i >= 0 {
			c.shapes[i] = s
		} else {
			c.shapes = append(c.shapes, s)
		}
	case protocol.UpdateMessage:
		s, err := domain.DecodeShape(m.MessageID, m.Shape)
		if err == nil {
			err = s.Validate()
		}
		if err != nil {
			return fmt.Errorf("canvas.Canvas.ApplyRemote: %w", err)
		}
		i := c.indexOf(s.ID)
		if i < 0 {
			return fmt.Errorf("canvas.Canvas.ApplyRemote: %s: %w", s.ID, ErrShapeNotFound)
		}
		c.shapes[i] = s
	case protocol.DeleteMessage:
		if i := c.indexOf(m.MessageID); i >= 0 {
			c.shapes = slices.Delete(c.shapes, i, i+1)
		}
	}
	return nil
}

// forward applies op to the shape list and returns the op as recorded (with
// resolved positions) together with the messages describing the change.
func (c *Canvas) forward(op Operation) (Operation, []protocol.Message, error) {
	switch op.Kind {
	case OpAdd:
		return c.add(op)
	case OpDelete:
		return c.remove(op)
	case OpMove, OpPropertyChange:
		idx, err := c.locate(op)
		if err != nil {
			return op, nil, err
		}
		if err := op.NewShape.Validate(); err != nil {
			return op, nil, err
		}
		c.shapes[idx] = op.NewShape
		op.Index = idx
		return op, []protocol.Message{c.updateMsg(op.NewShape)}, nil
	default:
		return op, nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op.Kind)
	}
}

// backward applies the inverse of a recorded op.
func (c *Canvas) backward(op Operation) ([]protocol.Message, error) {
	switch op.Kind {
	case OpAdd:
		for _, s := range op.Shapes {
			if c.indexOf(s.ID) < 0 {
				return nil, fmt.Errorf("%s: %w", s.ID, ErrShapeNotFound)
			}
		}
		msgs := make([]protocol.Message, 0, len(op.Shapes))
		for _, s := range op.Shapes {
			i := c.indexOf(s.ID)
			c.shapes = slices.Delete(c.shapes, i, i+1)
			msgs = append(msgs, c.deleteMsg(s.ID))
		}
		return msgs, nil
	case OpDelete:
		msgs := make([]protocol.Message, 0, len(op.Shapes))
		for k, s := range op.Shapes {
			// A peer may have re-created the shape since; ids stay unique.
			if i := c.indexOf(s.ID); i >= 0 {
				c.shapes[i] = s
			} else {
				i = min(op.Indices[k], len(c.shapes))
				c.shapes = slices.Insert(c.shapes, i, s)
			}
			msgs = append(msgs, c.chatMsg(s))
		}
		return msgs, nil
	case OpMove, OpPropertyChange:
		idx, err := c.locate(op)
		if err != nil {
			return nil, err
		}
		c.shapes[idx] = op.OriginalShape
		return []protocol.Message{c.updateMsg(op.OriginalShape)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op.Kind)
	}
}

func (c *Canvas) add(op Operation) (Operation, []protocol.Message, error) {
	if len(op.Shapes) == 0 {
		return op, nil, ErrEmptyOperation
	}
	seen := make(map[string]struct{}, len(op.Shapes))
	for _, s := range op.Shapes {
		if err := s.Validate(); err != nil {
			return op, nil, err
		}
		if _, dup := seen[s.ID]; dup || c.indexOf(s.ID) >= 0 {
			return op, nil, fmt.Errorf("%s: %w", s.ID, ErrDuplicateShape)
		}
		seen[s.ID] = struct{}{}
	}

	msgs := make([]protocol.Message, 0, len(op.Shapes))
	for _, s := range op.Shapes {
		c.shapes = append(c.shapes, s)
		msgs = append(msgs, c.chatMsg(s))
	}
	op.Shapes = slices.Clone(op.Shapes)
	return op, msgs, nil
}

// remove deletes the op's shapes by id. The recorded op holds the removed
// values and their positions sorted ascending, which is the order undo
// re-inserts them in.
func (c *Canvas) remove(op Operation) (Operation, []protocol.Message, error) {
	if len(op.Shapes) == 0 {
		return op, nil, ErrEmptyOperation
	}

	type removal struct {
		index int
		shape domain.Shape
	}
	removals := make([]removal, 0, len(op.Shapes))
	seen := make(map[string]struct{}, len(op.Shapes))
	for _, s := range op.Shapes {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		i := c.indexOf(s.ID)
		if i < 0 {
			return op, nil, fmt.Errorf("%s: %w", s.ID, ErrShapeNotFound)
		}
		removals = append(removals, removal{index: i, shape: c.shapes[i]})
	}
	sort.Slice(removals, func(a, b int) bool { return removals[a].index < removals[b].index })

	for k := len(removals) - 1; k >= 0; k-- {
		i := removals[k].index
		c.shapes = slices.Delete(c.shapes, i, i+1)
	}

	recorded := Operation{Kind: OpDelete}
	msgs := make([]protocol.Message, 0, len(removals))
	for _, r := range removals {
		recorded.Shapes = append(recorded.Shapes, r.shape)
		recorded.Indices = append(recorded.Indices, r.index)
		msgs = append(msgs, c.deleteMsg(r.shape.ID))
	}
	return recorded, msgs, nil
}

// locate finds the shape a move/propertyChange targets: op.Index when it still
// holds that shape, otherwise a lookup by id.
func (c *Canvas) locate(op Operation) (int, error) {
	if op.OriginalShape.ID != op.NewShape.ID {
		return -1, ErrIDMismatch
	}
	id := op.NewShape.ID
	if op.Index >= 0 && op.Index < len(c.shapes) && c.shapes[op.Index].ID == id {
		return op.Index, nil
	}
	if i := c.indexOf(id); i >= 0 {
		return i, nil
	}
	return -1, fmt.Errorf("%s: %w", id, ErrShapeNotFound)
}

func (c *Canvas) indexOf(id string) int {
	return slices.IndexFunc(c.shapes, func(s domain.Shape) bool { return s.ID == id })
}

func (c *Canvas) emit(msgs []protocol.Message) {
	if c.outbox == nil {
		return
	}
	for _, m := range msgs {
		c.outbox.Emit(m)
	}
}

// Shapes reaching the message builders have passed Validate, so encoding
// cannot fail.

func (c *Canvas) chatMsg(s domain.Shape) protocol.Message {
	b, _ := json.Marshal(s)
	return protocol.Chat{RoomID: c.roomID, Message: string(b)}
}

func (c *Canvas) updateMsg(s domain.Shape) protocol.Message {
	body, _ := s.MarshalBody()
	return protocol.UpdateMessage{RoomID: c.roomID, MessageID: s.ID, Shape: body}
}

func (c *Canvas) deleteMsg(id string) protocol.Message {
	return protocol.DeleteMessage{RoomID: c.roomID, MessageID: id}
}
