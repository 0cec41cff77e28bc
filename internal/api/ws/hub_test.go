package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/inkboard/internal/api/ws"
	"github.com/gosuda/inkboard/internal/auth"
	"github.com/gosuda/inkboard/internal/pipeline"
	"github.com/gosuda/inkboard/internal/registry"
	"github.com/gosuda/inkboard/internal/relay"
)

const secret = "hub-test-secret-that-is-long-enough"

type recordingQueue struct {
	mu   sync.Mutex
	jobs []pipeline.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job pipeline.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) snapshot() []pipeline.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]pipeline.Job(nil), q.jobs...)
}

type fixture struct {
	reg   *registry.Registry
	queue *recordingQueue
	url   string
}

func newFixture(t *testing.T, opts ws.Options) *fixture {
	t.Helper()

	reg := registry.New()
	queue := &recordingQueue{}
	hub := ws.NewHub(auth.NewHMACVerifier(secret, "", ""), reg, relay.New(reg, queue), opts)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeCanvas))
	t.Cleanup(srv.Close)

	return &fixture{reg: reg, queue: queue, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (f *fixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	token, err := auth.IssueToken(secret, userID, "", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, f.url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	return string(data)
}

func (f *fixture) waitMembers(t *testing.T, roomID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.reg.MembersOf(roomID)) == n
	}, 5*time.Second, 10*time.Millisecond)
}

const chatFrame = `{"type":"chat","roomId":"r1","message":"{\"id\":\"s1\",\"shape\":{\"type\":\"circle\",\"centerX\":5,\"centerY\":5,\"radius\":3,\"strokeColor\":\"#000\",\"strokeWidth\":1}}"}`

func TestHub_RejectsInvalidToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ws.Options{})

	tests := []struct {
		name  string
		query string
	}{
		{name: "missing token"},
		{name: "garbage token", query: "?token=not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, _, err := websocket.Dial(ctx, f.url+tt.query, nil)
			require.NoError(t, err)
			defer conn.CloseNow()

			_, _, err = conn.Read(ctx)
			require.Error(t, err)
			assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
		})
	}
}

func TestHub_RelaysToRoomPeers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ws.Options{})
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	carol := f.dial(t, "carol")

	write(t, alice, `{"type":"join_room","roomId":"r1"}`)
	write(t, bob, `{"type":"join_room","roomId":"r1"}`)
	write(t, carol, `{"type":"join_room","roomId":"r2"}`)
	f.waitMembers(t, "r1", 2)
	f.waitMembers(t, "r2", 1)

	write(t, alice, chatFrame)

	assert.JSONEq(t, chatFrame, read(t, bob))

	require.Eventually(t, func() bool { return len(f.queue.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	job := f.queue.snapshot()[0]
	assert.Equal(t, "r1", job.RoomID)
	assert.Equal(t, pipeline.ActionCreate, job.ShapeAction)

	// Neither the sender nor another room sees the frame.
	for _, conn := range []*websocket.Conn{alice, carol} {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_, _, err := conn.Read(ctx)
		cancel()
		require.Error(t, err)
	}
}

func TestHub_DropsFramesFromNonMembers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ws.Options{})
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	write(t, bob, `{"type":"join_room","roomId":"r1"}`)
	f.waitMembers(t, "r1", 1)

	write(t, alice, chatFrame)
	write(t, alice, `{"type":"join_room","roomId":"r1"}`)
	f.waitMembers(t, "r1", 2)
	write(t, alice, `{"type":"delete_message","roomId":"r1","messageId":"s1"}`)

	// The first frame bob sees is the delete; the chat sent before alice
	// joined was dropped.
	assert.JSONEq(t, `{"type":"delete_message","roomId":"r1","messageId":"s1"}`, read(t, bob))
}

func TestHub_SurvivesMalformedAndBinaryFrames(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ws.Options{})
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	write(t, alice, `{"type":"join_room","roomId":"r1"}`)
	write(t, bob, `{"type":"join_room","roomId":"r1"}`)
	f.waitMembers(t, "r1", 2)

	write(t, alice, `{not json`)
	write(t, alice, `{"type":"explode","roomId":"r1"}`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.Write(ctx, websocket.MessageBinary, []byte(chatFrame)))

	write(t, alice, chatFrame)
	assert.JSONEq(t, chatFrame, read(t, bob))
}

func TestHub_UnregistersOnClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ws.Options{})
	alice := f.dial(t, "alice")

	write(t, alice, `{"type":"join_room","roomId":"r1"}`)
	f.waitMembers(t, "r1", 1)

	require.NoError(t, alice.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		return f.reg.Len() == 0 && len(f.reg.MembersOf("r1")) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHub_ClosesOversizedFrames(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ws.Options{MaxMessageBytes: 1024})
	alice := f.dial(t, "alice")

	write(t, alice, `{"type":"join_room","roomId":"r1"}`)
	f.waitMembers(t, "r1", 1)

	write(t, alice, `{"type":"chat","roomId":"r1","message":"`+strings.Repeat("x", 2048)+`"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := alice.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusMessageTooBig, websocket.CloseStatus(err))

	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHub_RateLimitsFrames(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ws.Options{Rate: 0.001, Burst: 2})
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	// The join takes one token, leaving room for a single chat.
	write(t, alice, `{"type":"join_room","roomId":"r1"}`)
	write(t, bob, `{"type":"join_room","roomId":"r1"}`)
	f.waitMembers(t, "r1", 2)

	write(t, alice, chatFrame)
	write(t, alice, chatFrame)

	require.Eventually(t, func() bool { return len(f.queue.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, chatFrame, read(t, bob))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := bob.Read(ctx)
	require.Error(t, err)
	assert.Len(t, f.queue.snapshot(), 1)
}
