// Package ws serves the canvas WebSocket endpoint.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gosuda/inkboard/internal/auth"
	"github.com/gosuda/inkboard/internal/registry"
	"github.com/gosuda/inkboard/internal/relay"
)

// Options bounds the resources a single connection may use.
type Options struct {
	SendBuffer      int
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	// Rate and Burst limit inbound frames per connection. Excess frames are
	// dropped.
	Rate  float64
	Burst int
	// OriginPatterns are host patterns allowed for cross origin upgrades.
	OriginPatterns []string
}

// Hub accepts WebSocket connections, registers them and feeds their frames
// into the relay.
type Hub struct {
	verifier auth.Verifier
	registry *registry.Registry
	relay    *relay.Relay
	opts     Options
}

// NewHub creates a new WebSocket hub.
func NewHub(v auth.Verifier, reg *registry.Registry, rl *relay.Relay, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1 << 20
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Rate <= 0 {
		opts.Rate = 100
	}
	if opts.Burst <= 0 {
		opts.Burst = 200
	}
	return &Hub{verifier: v, registry: reg, relay: rl, opts: opts}
}

// ServeCanvas upgrades the request, authenticates the token query parameter
// and serves the connection until either side closes it.
func (h *Hub) ServeCanvas(w http.ResponseWriter, r *http.Request) {
	// The socket outlives the server's per-request deadlines.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ident, err := h.verifier.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("ws: rejected connection")
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	p := newPeer(ctx, conn, h.opts.SendBuffer)

	id, err := h.registry.Register(p, ident.UserID)
	if err != nil {
		cancel()
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	logger := log.With().Uint64("conn_id", uint64(id)).Str("user_id", ident.UserID).Logger()
	logger.Info().Int("connections", h.registry.Len()).Msg("ws: connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := p.writeLoop(h.opts.WriteTimeout); err != nil {
			logger.Debug().Err(err).Msg("ws: write failed")
		}
		// A dead writer ends the read loop too.
		cancel()
	}()

	defer func() {
		h.registry.Unregister(id)
		cancel()
		<-writerDone
		logger.Info().Int("connections", h.registry.Len()).Msg("ws: disconnected")
	}()

	conn.SetReadLimit(h.opts.MaxMessageBytes)
	limiter := rate.NewLimiter(rate.Limit(h.opts.Rate), h.opts.Burst)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			logClose(logger.Debug(), err)
			return
		}
		if typ != websocket.MessageText {
			logger.Debug().Msg("ws: binary frame dropped")
			continue
		}
		if !limiter.Allow() {
			logger.Warn().Msg("ws: rate limit exceeded, frame dropped")
			continue
		}
		if err := h.relay.Handle(ctx, id, data); err != nil {
			logger.Debug().Err(err).Msg("ws: frame dropped")
		}
	}
}

func logClose(ev *zerolog.Event, err error) {
	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		ev.Msg("ws: closed by peer")
	case errors.Is(err, context.Canceled):
		ev.Msg("ws: connection cancelled")
	default:
		ev.Err(err).Int("status", int(status)).Msg("ws: read failed")
	}
}
