package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// peer is the send side of one connection. Frames are queued on a bounded
// channel and written by a single goroutine.
type peer struct {
	ctx  context.Context //nolint:containedctx // lifetime of the connection
	conn *websocket.Conn
	send chan []byte
}

func newPeer(ctx context.Context, conn *websocket.Conn, buffer int) *peer {
	return &peer{ctx: ctx, conn: conn, send: make(chan []byte, buffer)}
}

// Send queues payload without blocking. It reports false when the buffer is
// full or the connection is shutting down.
func (p *peer) Send(payload []byte) bool {
	if p.ctx.Err() != nil {
		return false
	}
	select {
	case p.send <- payload:
		return true
	default:
		return false
	}
}

func (p *peer) writeLoop(timeout time.Duration) error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case payload := <-p.send:
			ctx, cancel := context.WithTimeout(p.ctx, timeout)
			err := p.conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return fmt.Errorf("ws.peer.writeLoop: %w", err)
			}
		}
	}
}
