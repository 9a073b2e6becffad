package realtime

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a websocket server standing in for the chat platform.
type fakeBackend struct {
	baseURL string

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *fiberws.Conn
	queries  []map[string]string
	greeting []string

	dials     atomic.Int32
	reject    atomic.Int32
	inbound   chan map[string]interface{}
	connected chan struct{}
	drop      chan struct{}
}

func newFakeBackend(t *testing.T, greeting ...string) *fakeBackend {
	t.Helper()

	backend := &fakeBackend{
		greeting:  greeting,
		inbound:   make(chan map[string]interface{}, 128),
		connected: make(chan struct{}, 32),
		drop:      make(chan struct{}, 1),
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/denied", func(c *fiber.Ctx) error {
		backend.dials.Add(1)
		return c.SendStatus(fiber.StatusUnauthorized)
	})
	app.Use("/ws", func(c *fiber.Ctx) error {
		backend.dials.Add(1)
		if backend.reject.Load() > 0 {
			backend.reject.Add(-1)
			return c.SendStatus(fiber.StatusServiceUnavailable)
		}
		if !fiberws.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})
	app.Get("/ws", fiberws.New(backend.serve))

	baseURL, shutdown := startFiberServer(t, app)
	t.Cleanup(shutdown)
	backend.baseURL = "ws" + strings.TrimPrefix(baseURL, "http")
	return backend
}

func (b *fakeBackend) url(path string) string {
	return b.baseURL + path
}

func (b *fakeBackend) serve(conn *fiberws.Conn) {
	b.mu.Lock()
	b.conn = conn
	b.queries = append(b.queries, map[string]string{
		"token":     conn.Query("token"),
		"tenant_id": conn.Query("tenant_id"),
	})
	greeting := append([]string(nil), b.greeting...)
	b.mu.Unlock()

	b.writeMu.Lock()
	for _, frame := range greeting {
		_ = conn.WriteMessage(fiberws.TextMessage, []byte(frame))
	}
	b.writeMu.Unlock()
	b.connected <- struct{}{}

	// The pooled wrapper is reset once serve returns, so the reader keeps the socket itself.
	raw := conn.Conn
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := raw.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]interface{}
			if json.Unmarshal(data, &msg) == nil {
				select {
				case b.inbound <- msg:
				default:
				}
			}
		}
	}()

	select {
	case <-readDone:
	case <-b.drop:
		b.writeMu.Lock()
		_ = raw.WriteMessage(fiberws.CloseMessage, fiberws.FormatCloseMessage(fiberws.CloseGoingAway, "dropped"))
		b.writeMu.Unlock()
		select {
		case <-readDone:
		case <-time.After(time.Second):
			_ = raw.Close()
			<-readDone
		}
	}

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
}

func (b *fakeBackend) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-b.connected:
	case <-time.After(3 * time.Second):
		t.Fatal("backend never saw a connection")
	}
}

func (b *fakeBackend) push(t *testing.T, frame string) {
	t.Helper()
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	require.NotNil(t, conn)

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	require.NoError(t, conn.WriteMessage(fiberws.TextMessage, []byte(frame)))
}

// dropConnection ends the live server handler, closing the socket.
func (b *fakeBackend) dropConnection() {
	select {
	case b.drop <- struct{}{}:
	default:
	}
}

func (b *fakeBackend) lastQuery() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queries) == 0 {
		return nil
	}
	return b.queries[len(b.queries)-1]
}

// expectInbound waits for the next client frame of the given type.
func (b *fakeBackend) expectInbound(t *testing.T, messageType string) map[string]interface{} {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-b.inbound:
			if msg["type"] == messageType {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %q frame received", messageType)
			return nil
		}
	}
}

func startFiberServer(t *testing.T, app *fiber.App) (string, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	shutdown := func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	}

	return "http://" + listener.Addr().String(), shutdown
}

func staticURL(raw string) URLFunc {
	return func(identity string) (string, error) {
		if identity == "" {
			return raw, nil
		}
		return raw + "?tenant_id=" + identity, nil
	}
}

type recordingBackoff struct {
	mu       sync.Mutex
	attempts []int
	delay    time.Duration
}

func (b *recordingBackoff) Next(attempt int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = append(b.attempts, attempt)
	return b.delay
}

func (b *recordingBackoff) recorded() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.attempts...)
}
