// Package protocol defines the WebSocket wire messages exchanged between
// canvas clients and the relay.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned for frames that are not valid JSON, carry an
// unknown type, or lack a required field.
var ErrMalformedMessage = errors.New("protocol: malformed message") //nolint:gochecknoglobals // sentinel error

type Type string

const (
	TypeJoinRoom      Type = "join_room"
	TypeLeaveRoom     Type = "leave_room"
	TypeChat          Type = "chat"
	TypeUpdateMessage Type = "update_message"
	TypeDeleteMessage Type = "delete_message"
)

// Message is one decoded wire frame. The set of implementations is closed.
type Message interface {
	MessageType() Type
	Room() string
}

type JoinRoom struct {
	RoomID string
}

type LeaveRoom struct {
	RoomID string
}

// Chat announces a newly created shape. Message is the JSON-encoded shape,
// kept as an opaque string.
type Chat struct {
	RoomID  string
	Message string
}

// UpdateMessage replaces the shape identified by MessageID. Shape is the
// inner "shape" object spread into the frame next to the routing fields.
type UpdateMessage struct {
	RoomID    string
	MessageID string
	Shape     json.RawMessage
}

type DeleteMessage struct {
	RoomID    string
	MessageID string
}

func (JoinRoom) MessageType() Type      { return TypeJoinRoom }
func (LeaveRoom) MessageType() Type     { return TypeLeaveRoom }
func (Chat) MessageType() Type          { return TypeChat }
func (UpdateMessage) MessageType() Type { return TypeUpdateMessage }
func (DeleteMessage) MessageType() Type { return TypeDeleteMessage }

func (m JoinRoom) Room() string      { return m.RoomID }
func (m LeaveRoom) Room() string     { return m.RoomID }
func (m Chat) Room() string          { return m.RoomID }
func (m UpdateMessage) Room() string { return m.RoomID }
func (m DeleteMessage) Room() string { return m.RoomID }

// frame is the union of every field a wire message may carry.
type frame struct {
	Type      Type            `json:"type"`
	RoomID    *string         `json:"roomId,omitempty"`
	Message   *string         `json:"message,omitempty"`
	MessageID *string         `json:"messageId,omitempty"`
	ID        *string         `json:"id,omitempty"`
	Shape     json.RawMessage `json:"shape,omitempty"`
}

// Decode parses one frame into its message variant.
func Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, err.Error())
	}

	room, err := required(f.RoomID, "roomId")
	if err != nil {
		return nil, err
	}

	switch f.Type {
	case TypeJoinRoom:
		return JoinRoom{RoomID: room}, nil
	case TypeLeaveRoom:
		return LeaveRoom{RoomID: room}, nil
	case TypeChat:
		msg, err := required(f.Message, "message")
		if err != nil {
			return nil, err
		}
		return Chat{RoomID: room, Message: msg}, nil
	case TypeUpdateMessage:
		id, err := required(f.MessageID, "messageId")
		if err != nil {
			return nil, err
		}
		if f.ID != nil && *f.ID != id {
			return nil, fmt.Errorf("%w: id %q does not match messageId %q", ErrMalformedMessage, *f.ID, id)
		}
		shape := bytes.TrimSpace(f.Shape)
		if len(shape) == 0 || shape[0] != '{' {
			return nil, fmt.Errorf("%w: missing shape object", ErrMalformedMessage)
		}
		return UpdateMessage{RoomID: room, MessageID: id, Shape: f.Shape}, nil
	case TypeDeleteMessage:
		id, err := required(f.MessageID, "messageId")
		if err != nil {
			return nil, err
		}
		return DeleteMessage{RoomID: room, MessageID: id}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, f.Type)
	}
}

// Encode renders a message in wire form.
func Encode(m Message) ([]byte, error) {
	f := frame{Type: m.MessageType()}
	room := m.Room()
	f.RoomID = &room

	switch v := m.(type) {
	case JoinRoom, LeaveRoom:
	case Chat:
		f.Message = &v.Message
	case UpdateMessage:
		f.MessageID = &v.MessageID
		f.ID = &v.MessageID
		f.Shape = v.Shape
	case DeleteMessage:
		f.MessageID = &v.MessageID
	default:
		return nil, fmt.Errorf("protocol.Encode: unsupported message %T", m)
	}

	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol.Encode: %w", err)
	}
	return b, nil
}

func required(v *string, field string) (string, error) {
	if v == nil || *v == "" {
		return "", fmt.Errorf("%w: missing %s", ErrMalformedMessage, field)
	}
	return *v, nil
}
