package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/bizdash-realtime/internal/observability"
)

const writeWait = 10 * time.Second

var (
	// ErrNotConnected is returned when an operation needs an open socket.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrFatalAuth marks authentication failures that must not be retried.
	ErrFatalAuth = errors.New("websocket authentication rejected")
)

const envelopeSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1}
	}
}`

var envelopeValidator = jsonschema.MustCompileString("envelope.schema.json", envelopeSchema)

// Status is the lifecycle state of a Connection.
type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	StatusClosing      Status = "CLOSING"
	StatusError        Status = "ERROR"
)

// Envelope is an inbound frame after validation. Raw holds the full payload.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Decode unmarshals the full payload into v.
func (e Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Raw, v)
}

// Handler processes one envelope type.
type Handler func(Envelope)

// URLFunc resolves the dial URL at connect time. Returning an error wrapping
// ErrFatalAuth stops the connection for good.
type URLFunc func(identity string) (string, error)

// ConnectionOptions configures a Connection.
type ConnectionOptions struct {
	Name             string
	URL              URLFunc
	Header           http.Header
	Backoff          Backoff
	PingInterval     time.Duration
	AutoReconnect    bool
	HandshakeTimeout time.Duration
}

// Connection is a reconnecting websocket client with keepalive and typed dispatch.
// It holds at most one live socket.
type Connection struct {
	opts   ConnectionOptions
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu             sync.Mutex
	writeMu        sync.Mutex
	status         Status
	conn           *websocket.Conn
	shouldConnect  bool
	attempts       int
	fatalErr       error
	identity       string
	generation     uint64
	reconnectTimer *time.Timer
	stopKeepalive  chan struct{}

	handlers   map[string]Handler
	onOpen     []func()
	statusSubs map[int]func(Status)
	nextSubID  int
}

// NewConnection creates a disconnected connection. Register handlers before Connect.
func NewConnection(opts ConnectionOptions, logger zerolog.Logger) *Connection {
	if opts.Backoff == nil {
		opts.Backoff = FixedBackoff{Interval: 3 * time.Second}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	return &Connection{
		opts:       opts,
		dialer:     &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger:     logger.With().Str("component", "websocket").Str("socket", opts.Name).Logger(),
		status:     StatusDisconnected,
		handlers:   make(map[string]Handler),
		statusSubs: make(map[int]func(Status)),
	}
}

// Handle registers the handler for an envelope type.
func (c *Connection) Handle(messageType string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[messageType] = handler
}

// OnOpen registers a callback run after every successful open, before inbound
// frames are read.
func (c *Connection) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = append(c.onOpen, fn)
}

// OnStatusChange subscribes to lifecycle transitions.
func (c *Connection) OnStatusChange(fn func(Status)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.statusSubs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.statusSubs, id)
	}
}

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether the socket is open.
func (c *Connection) IsConnected() bool {
	return c.Status() == StatusConnected
}

// FatalError returns the authentication failure that stopped the connection, if any.
func (c *Connection) FatalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

// Attempts returns the number of reconnects scheduled since the last successful open.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the socket, closing any previous one first. Dial failures are
// retried in the background when auto reconnect is enabled.
func (c *Connection) Connect() error {
	c.mu.Lock()
	c.shouldConnect = true
	c.fatalErr = nil
	c.mu.Unlock()

	return c.open()
}

// SetIdentity switches the identity used to build the dial URL. A live connection
// is torn down and reopened under the new identity.
func (c *Connection) SetIdentity(identity string) error {
	c.mu.Lock()
	if c.identity == identity {
		c.mu.Unlock()
		return nil
	}
	c.identity = identity
	reconnect := c.shouldConnect
	c.mu.Unlock()

	if !reconnect {
		return nil
	}
	return c.open()
}

// Disconnect stops the connection and any pending reconnect. It is idempotent.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.shouldConnect = false
	c.attempts = 0
	closing := c.conn != nil && c.setStatusLocked(StatusClosing)
	subs := c.statusSubscribersLocked()
	c.mu.Unlock()

	if closing {
		c.notify(subs, StatusClosing)
	}

	c.mu.Lock()
	c.teardownLocked()
	changed := c.setStatusLocked(StatusDisconnected)
	subs = c.statusSubscribersLocked()
	c.mu.Unlock()

	if changed {
		c.notify(subs, StatusDisconnected)
	}
}

// Fail stops the connection permanently because of an authentication failure.
func (c *Connection) Fail(err error) {
	if !errors.Is(err, ErrFatalAuth) {
		err = errors.Join(ErrFatalAuth, err)
	}

	c.mu.Lock()
	c.shouldConnect = false
	c.fatalErr = err
	c.teardownLocked()
	changed := c.setStatusLocked(StatusDisconnected)
	subs := c.statusSubscribersLocked()
	c.mu.Unlock()

	c.logger.Error().Err(err).Msg("websocket stopped after fatal authentication error")
	if changed {
		c.notify(subs, StatusDisconnected)
	}
}

// SendMessage writes v as a JSON text frame. It never queues and returns false
// when the socket is not open.
func (c *Connection) SendMessage(v interface{}) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode outbound websocket message")
		return false
	}

	c.mu.Lock()
	conn := c.conn
	open := c.status == StatusConnected
	c.mu.Unlock()
	if !open || conn == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Warn().Err(err).Msg("failed to write websocket message")
		return false
	}
	return true
}

func (c *Connection) open() error {
	c.mu.Lock()
	if !c.shouldConnect {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.teardownLocked()
	gen := c.generation
	identity := c.identity
	c.setStatusLocked(StatusConnecting)
	subs := c.statusSubscribersLocked()
	c.mu.Unlock()
	c.notify(subs, StatusConnecting)

	url, err := c.opts.URL(identity)
	if err != nil {
		if errors.Is(err, ErrFatalAuth) {
			c.Fail(err)
			return err
		}
		c.handleDrop(gen, err)
		return err
	}

	conn, resp, err := c.dialer.Dial(url, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			fatal := errors.Join(ErrFatalAuth, err)
			c.Fail(fatal)
			return fatal
		}
		c.handleDrop(gen, err)
		return err
	}

	c.mu.Lock()
	if gen != c.generation || !c.shouldConnect {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.attempts = 0
	stop := make(chan struct{})
	c.stopKeepalive = stop
	c.setStatusLocked(StatusConnected)
	subs = c.statusSubscribersLocked()
	onOpen := append([]func(){}, c.onOpen...)
	c.mu.Unlock()

	observability.SocketConnected().WithLabelValues(c.opts.Name).Set(1)
	c.logger.Info().Msg("websocket connected")
	c.notify(subs, StatusConnected)

	for _, fn := range onOpen {
		fn()
	}

	go c.readLoop(gen, conn)
	if c.opts.PingInterval > 0 {
		go c.keepalive(stop)
	}
	return nil
}

func (c *Connection) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(gen, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Connection) keepalive(stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.SendMessage(map[string]string{"type": "ping"}) {
				c.logger.Debug().Msg("keepalive ping not sent")
			}
		}
	}
}

func (c *Connection) dispatch(data []byte) {
	var document interface{}
	if err := json.Unmarshal(data, &document); err != nil {
		c.drop("invalid_json", err)
		return
	}
	if err := envelopeValidator.Validate(document); err != nil {
		c.drop("invalid_envelope", err)
		return
	}

	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.drop("invalid_envelope", err)
		return
	}
	envelope.Raw = append(json.RawMessage(nil), data...)

	c.mu.Lock()
	handler, ok := c.handlers[envelope.Type]
	c.mu.Unlock()
	if !ok {
		observability.SocketDropped().WithLabelValues(c.opts.Name, "unknown_type").Inc()
		c.logger.Warn().Str("type", envelope.Type).Msg("ignoring unknown websocket message type")
		return
	}

	observability.SocketMessages().WithLabelValues(c.opts.Name, envelope.Type).Inc()
	c.invoke(envelope, handler)
}

func (c *Connection) invoke(envelope Envelope, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("type", envelope.Type).Msg("websocket handler panicked")
		}
	}()
	handler(envelope)
}

func (c *Connection) drop(reason string, err error) {
	observability.SocketDropped().WithLabelValues(c.opts.Name, reason).Inc()
	c.logger.Warn().Err(err).Str("reason", reason).Msg("dropping malformed websocket message")
}

// handleDrop runs when the socket of generation gen errors or closes.
func (c *Connection) handleDrop(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	after := c.generation
	abnormal := !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if abnormal {
		c.setStatusLocked(StatusError)
	} else {
		c.setStatusLocked(StatusDisconnected)
	}
	subs := c.statusSubscribersLocked()

	var delay time.Duration
	scheduled := false
	if c.opts.AutoReconnect && c.shouldConnect {
		delay = c.opts.Backoff.Next(c.attempts)
		c.attempts++
		next := c.generation
		c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(next) })
		scheduled = true
	}
	c.mu.Unlock()

	if !abnormal {
		c.logger.Info().Msg("websocket closed by server")
		c.notify(subs, StatusDisconnected)
	} else {
		c.logger.Warn().Err(cause).Msg("websocket connection failed")
		c.notify(subs, StatusError)
		c.settleError(after)
	}

	if scheduled {
		observability.SocketReconnects().WithLabelValues(c.opts.Name).Inc()
		c.logger.Info().Dur("delay", delay).Msg("websocket reconnect scheduled")
	}
}

// settleError moves an ERROR status to DISCONNECTED unless a newer attempt
// already replaced it.
func (c *Connection) settleError(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.status != StatusError {
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(StatusDisconnected)
	subs := c.statusSubscribersLocked()
	c.mu.Unlock()
	c.notify(subs, StatusDisconnected)
}

func (c *Connection) reconnect(gen uint64) {
	c.mu.Lock()
	current := gen == c.generation && c.shouldConnect
	c.mu.Unlock()
	if !current {
		return
	}
	_ = c.open()
}

// teardownLocked stops timers and closes the socket. Callers hold c.mu.
// Bumping the generation makes in-flight reads, dials and timers stale.
func (c *Connection) teardownLocked() {
	c.generation++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.stopKeepalive != nil {
		close(c.stopKeepalive)
		c.stopKeepalive = nil
	}
	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
		observability.SocketConnected().WithLabelValues(c.opts.Name).Set(0)
	}
}

func (c *Connection) setStatusLocked(status Status) bool {
	if c.status == status {
		return false
	}
	c.status = status
	return true
}

func (c *Connection) statusSubscribersLocked() []func(Status) {
	subs := make([]func(Status), 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		subs = append(subs, fn)
	}
	return subs
}

func (c *Connection) notify(subs []func(Status), status Status) {
	for _, fn := range subs {
		fn(status)
	}
}

var fatalAuthCodes = map[string]struct{}{
	"unauthenticated": {},
	"UNAUTHENTICATED": {},
	"auth_failed":     {},
}

type errorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleServerError stops conn for authentication codes and logs anything else.
func handleServerError(conn *Connection, logger zerolog.Logger, envelope Envelope) {
	var frame errorFrame
	if err := envelope.Decode(&frame); err != nil {
		logger.Warn().Err(err).Msg("invalid error payload")
		return
	}
	if _, fatal := fatalAuthCodes[frame.Code]; fatal {
		conn.Fail(fmt.Errorf("server error %s: %s", frame.Code, frame.Message))
		return
	}
	logger.Warn().Str("code", frame.Code).Str("message", frame.Message).Msg("websocket server error")
}
