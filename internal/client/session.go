// Package client is a Go peer for the canvas socket. A Session joins one
// room, mirrors peers' edits into a local canvas and publishes local edits.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/inkboard/internal/canvas"
	"github.com/gosuda/inkboard/internal/domain"
	"github.com/gosuda/inkboard/internal/protocol"
)

var ErrClosed = errors.New("client: session closed")

type Options struct {
	// APIBase is the REST base URL, e.g. http://host/api/v1. When set the
	// room's persisted shapes are loaded before joining.
	APIBase      string
	HTTPClient   *http.Client
	SendBuffer   int
	WriteTimeout time.Duration
	// OnRemote is called after a peer message was applied to the canvas.
	OnRemote func(protocol.Message)
}

type Session struct {
	conn   *websocket.Conn
	roomID string
	canvas *canvas.Canvas
	opts   Options

	send       chan []byte
	ctx        context.Context //nolint:containedctx // session lifetime
	cancel     context.CancelFunc
	writerDone chan struct{}
}

// Open dials wsURL with token, joins roomID and starts the writer. Call Run
// to receive peers' edits.
func Open(ctx context.Context, wsURL, token, roomID string, opts Options) (*Session, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	var initial []domain.Shape
	if opts.APIBase != "" {
		shapes, err := fetchShapes(ctx, opts, token, roomID)
		if err != nil {
			return nil, fmt.Errorf("client.Open: %w", err)
		}
		initial = shapes
	}

	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("client.Open: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: opts.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("client.Open: dial: %w", err)
	}

	join, err := protocol.Encode(protocol.JoinRoom{RoomID: roomID})
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("client.Open: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("client.Open: join: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:       conn,
		roomID:     roomID,
		opts:       opts,
		send:       make(chan []byte, opts.SendBuffer),
		ctx:        sctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}
	s.canvas = canvas.New(roomID, s)
	s.canvas.Load(initial)

	go s.writeLoop()

	return s, nil
}

func (s *Session) Canvas() *canvas.Canvas { return s.canvas }

func (s *Session) RoomID() string { return s.roomID }

// Emit queues msg for the socket. It blocks while the send buffer is full
// and gives up once the session is closed.
func (s *Session) Emit(msg protocol.Message) {
	b, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("room_id", s.roomID).Msg("client: encode failed")
		return
	}
	select {
	case s.send <- b:
	case <-s.ctx.Done():
		log.Debug().Str("room_id", s.roomID).Str("type", string(msg.MessageType())).Msg("client: session closed, message dropped")
	}
}

// Run applies peers' messages to the canvas until the connection ends or
// ctx is done. A normal close returns nil.
func (s *Session) Run(ctx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client.Session.Run: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("room_id", s.roomID).Msg("client: malformed frame")
			continue
		}
		if err := s.canvas.ApplyRemote(msg); err != nil {
			log.Debug().Err(err).Str("room_id", s.roomID).Msg("client: remote change not applied")
			continue
		}
		if s.opts.OnRemote != nil {
			s.opts.OnRemote(msg)
		}
	}
}

// Close drains queued edits, leaves the room and closes the socket.
func (s *Session) Close() error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	s.cancel()
	<-s.writerDone

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()

	if leave, err := protocol.Encode(protocol.LeaveRoom{RoomID: s.roomID}); err == nil {
		_ = s.conn.Write(ctx, websocket.MessageText, leave)
	}
	if err := s.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		return fmt.Errorf("client.Session.Close: %w", err)
	}
	return nil
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case b := <-s.send:
			s.write(b)
		case <-s.ctx.Done():
			for {
				select {
				case b := <-s.send:
					s.write(b)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(b []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, b); err != nil {
		log.Warn().Err(err).Str("room_id", s.roomID).Msg("client: write failed")
	}
}

func fetchShapes(ctx context.Context, opts Options, token, roomID string) ([]domain.Shape, error) {
	endpoint := strings.TrimRight(opts.APIBase, "/") + "/rooms/" + url.PathEscape(roomID) + "/shapes"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("fetch shapes: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch shapes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch shapes: unexpected status %d", resp.StatusCode)
	}

	var shapes []domain.Shape
	if err := json.NewDecoder(resp.Body).Decode(&shapes); err != nil {
		return nil, fmt.Errorf("fetch shapes: decode: %w", err)
	}
	return shapes, nil
}
