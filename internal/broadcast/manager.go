package broadcast

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bizdash-realtime/internal/models"
	"github.com/noah-isme/bizdash-realtime/internal/observability"
)

// Timings controls the leader election cadence.
type Timings struct {
	CheckInterval time.Duration
	StaleAfter    time.Duration
	ProbeWait     time.Duration
	AnnounceDelay time.Duration
}

// DefaultTimings returns the production election cadence.
func DefaultTimings() Timings {
	return Timings{
		CheckInterval: 5 * time.Second,
		StaleAfter:    10 * time.Second,
		ProbeWait:     500 * time.Millisecond,
		AnnounceDelay: 100 * time.Millisecond,
	}
}

func (t Timings) withDefaults() Timings {
	def := DefaultTimings()
	if t.CheckInterval <= 0 {
		t.CheckInterval = def.CheckInterval
	}
	if t.StaleAfter <= 0 {
		t.StaleAfter = def.StaleAfter
	}
	if t.ProbeWait <= 0 {
		t.ProbeWait = def.ProbeWait
	}
	if t.AnnounceDelay < 0 {
		t.AnnounceDelay = def.AnnounceDelay
	}
	return t
}

// Manager coordinates agents sharing a broadcast channel: it relays notification
// events between them and elects a single leader that owns the notifications socket.
type Manager struct {
	transport Transport
	timings   Timings
	tabID     string
	logger    zerolog.Logger

	mu              sync.Mutex
	listeners       map[MessageType]map[int]Listener
	allListeners    map[int]Listener
	leaderListeners map[int]func(bool)
	nextListenerID  int
	isLeader        bool
	lastLeaderSeen  time.Time
	available       bool
	started         bool
	closed          bool

	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewManager creates a manager bound to transport. A nil transport yields a
// manager that cannot broadcast and considers itself leader.
func NewManager(transport Transport, timings Timings, logger zerolog.Logger) *Manager {
	return &Manager{
		transport:       transport,
		timings:         timings.withDefaults(),
		tabID:           uuid.NewString(),
		logger:          logger.With().Str("component", "broadcast").Logger(),
		listeners:       make(map[MessageType]map[int]Listener),
		allListeners:    make(map[int]Listener),
		leaderListeners: make(map[int]func(bool)),
	}
}

// Start subscribes to the transport and launches the election loop. When the
// transport cannot be used the manager degrades to a standalone leader.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	if m.transport == nil {
		m.logger.Info().Msg("broadcast transport not configured, running standalone")
		m.setLeader(true)
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	unsubscribe, err := m.transport.Subscribe(loopCtx, m.handlePayload)
	if err != nil {
		cancel()
		m.logger.Warn().Err(err).Msg("broadcast transport unavailable, running standalone")
		m.setLeader(true)
		return
	}

	m.mu.Lock()
	m.available = true
	m.cancel = cancel
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	m.wg.Add(1)
	go m.electionLoop(loopCtx)
}

// TabID returns the random identifier of this agent.
func (m *Manager) TabID() string {
	return m.tabID
}

// IsLeaderTab reports whether this agent currently holds leadership.
func (m *Manager) IsLeaderTab() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLeader
}

// BroadcastNotificationReceived relays a freshly received notification and the new unread count.
func (m *Manager) BroadcastNotificationReceived(notification models.Notification, unreadCount int) bool {
	return m.send(Message{Type: TypeNotificationReceived, Notification: &notification, Count: unreadCount})
}

// BroadcastNotificationRead relays that a notification has been read.
func (m *Manager) BroadcastNotificationRead(notificationID int64, unreadCount int) bool {
	return m.send(Message{Type: TypeNotificationRead, NotificationID: notificationID, Count: unreadCount})
}

// BroadcastCountUpdated relays a new unread count.
func (m *Manager) BroadcastCountUpdated(unreadCount int) bool {
	return m.send(Message{Type: TypeCountUpdated, Count: unreadCount})
}

// On registers a listener for one envelope type and returns its unsubscribe func.
func (m *Manager) On(messageType MessageType, listener Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListenerID
	m.nextListenerID++
	if m.listeners[messageType] == nil {
		m.listeners[messageType] = make(map[int]Listener)
	}
	m.listeners[messageType][id] = listener

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners[messageType], id)
	}
}

// OnAll registers a listener for every envelope received from other agents.
func (m *Manager) OnAll(listener Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListenerID
	m.nextListenerID++
	m.allListeners[id] = listener

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.allListeners, id)
	}
}

// OnLeadershipChange registers a callback invoked whenever leadership flips.
func (m *Manager) OnLeadershipChange(fn func(isLeader bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListenerID
	m.nextListenerID++
	m.leaderListeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.leaderListeners, id)
	}
}

// Close stops the election loop, releases the subscription and drops leadership.
// It is safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.available = false
		cancel := m.cancel
		unsubscribe := m.unsubscribe
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		m.wg.Wait()
		if unsubscribe != nil {
			unsubscribe()
		}

		m.setLeader(false)

		m.mu.Lock()
		m.listeners = make(map[MessageType]map[int]Listener)
		m.allListeners = make(map[int]Listener)
		m.leaderListeners = make(map[int]func(bool))
		m.mu.Unlock()
	})
}

func (m *Manager) electionLoop(ctx context.Context) {
	defer m.wg.Done()

	m.checkLeadership(ctx)

	ticker := time.NewTicker(m.timings.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkLeadership(ctx)
		}
	}
}

func (m *Manager) leaderStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.isLeader && time.Since(m.lastLeaderSeen) > m.timings.StaleAfter
}

func (m *Manager) checkLeadership(ctx context.Context) {
	if !m.leaderStale() {
		return
	}

	m.send(Message{Type: TypePing})
	if !sleepContext(ctx, m.probeWait()) {
		return
	}
	if !m.leaderStale() {
		return
	}

	if !m.send(Message{Type: TypeClaimLeader}) {
		return
	}
	m.setLeader(true)
	m.logger.Info().Str("tab_id", m.tabID).Msg("claimed broadcast leadership")

	if !sleepContext(ctx, m.timings.AnnounceDelay) {
		return
	}
	if m.IsLeaderTab() {
		m.send(Message{Type: TypeLeaderAnnouncement})
	}
}

// probeWait adds up to half a probe of jitter so agents started together do not
// keep claiming in lockstep.
func (m *Manager) probeWait() time.Duration {
	spread := int64(m.timings.ProbeWait / 2)
	if spread <= 0 {
		return m.timings.ProbeWait
	}
	return m.timings.ProbeWait + time.Duration(rand.Int63n(spread))
}

func (m *Manager) send(msg Message) bool {
	m.mu.Lock()
	available := m.available
	m.mu.Unlock()
	if !available {
		return false
	}

	msg.TabID = m.tabID
	msg.Timestamp = time.Now().UnixMilli()

	payload, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to encode broadcast message")
		return false
	}

	if err := m.transport.Publish(context.Background(), payload); err != nil {
		m.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("failed to publish broadcast message")
		return false
	}

	observability.BroadcastMessages().WithLabelValues("out", string(msg.Type)).Inc()
	return true
}

func (m *Manager) handlePayload(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.logger.Warn().Err(err).Msg("discarding malformed broadcast message")
		return
	}
	if msg.TabID == m.tabID {
		return
	}

	observability.BroadcastMessages().WithLabelValues("in", string(msg.Type)).Inc()

	switch msg.Type {
	case TypePing:
		if m.IsLeaderTab() {
			m.send(Message{Type: TypePong})
		}
	case TypePong, TypeLeaderAnnouncement, TypeClaimLeader:
		m.mu.Lock()
		m.lastLeaderSeen = time.Now()
		m.mu.Unlock()
		m.setLeader(false)
	}

	m.dispatch(msg)
}

func (m *Manager) dispatch(msg Message) {
	m.mu.Lock()
	targets := make([]Listener, 0, len(m.listeners[msg.Type])+len(m.allListeners))
	for _, listener := range m.listeners[msg.Type] {
		targets = append(targets, listener)
	}
	for _, listener := range m.allListeners {
		targets = append(targets, listener)
	}
	m.mu.Unlock()

	for _, listener := range targets {
		m.invoke(msg, listener)
	}
}

func (m *Manager) invoke(msg Message, listener Listener) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("type", string(msg.Type)).Msg("broadcast listener panicked")
		}
	}()
	listener(msg)
}

func (m *Manager) setLeader(leader bool) {
	m.mu.Lock()
	if m.isLeader == leader {
		m.mu.Unlock()
		return
	}
	m.isLeader = leader
	callbacks := make([]func(bool), 0, len(m.leaderListeners))
	for _, fn := range m.leaderListeners {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()

	if leader {
		observability.Leader().Set(1)
	} else {
		observability.Leader().Set(0)
	}

	for _, fn := range callbacks {
		fn(leader)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
