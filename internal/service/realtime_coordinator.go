package service

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/bizdash-realtime/internal/realtime"
)

// LeadershipSource reports and announces notification leadership.
type LeadershipSource interface {
	IsLeaderTab() bool
	OnLeadershipChange(fn func(isLeader bool)) func()
}

// NotificationConnector is the socket the coordinator opens while leading.
type NotificationConnector interface {
	Connect() error
	Disconnect()
	IsConnected() bool
}

// RealtimeCoordinator keeps the notifications socket open only on the leader agent.
type RealtimeCoordinator struct {
	leadership    LeadershipSource
	notifications NotificationConnector
	logger        zerolog.Logger

	mu      sync.Mutex
	signal  chan struct{}
	cancel  context.CancelFunc
	release func()
	wg      sync.WaitGroup
	started bool
}

// NewRealtimeCoordinator binds a notifications socket to a leadership source.
func NewRealtimeCoordinator(leadership LeadershipSource, notifications NotificationConnector, logger zerolog.Logger) *RealtimeCoordinator {
	return &RealtimeCoordinator{
		leadership:    leadership,
		notifications: notifications,
		logger:        logger.With().Str("component", "realtime_coordinator").Logger(),
		signal:        make(chan struct{}, 1),
	}
}

// Start reconciles the socket with the current leadership and follows every change.
// Dialing happens on the coordinator goroutine so election callbacks never block.
func (c *RealtimeCoordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	release := c.leadership.OnLeadershipChange(func(bool) { c.poke() })

	c.mu.Lock()
	c.release = release
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(loopCtx)
	c.poke()
}

// Stop releases the leadership subscription and closes the socket.
func (c *RealtimeCoordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	release := c.release
	c.cancel = nil
	c.release = nil
	c.mu.Unlock()

	if release != nil {
		release()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.notifications.Disconnect()
}

func (c *RealtimeCoordinator) poke() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *RealtimeCoordinator) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.signal:
			c.reconcile()
		}
	}
}

func (c *RealtimeCoordinator) reconcile() {
	if !c.leadership.IsLeaderTab() {
		if c.notifications.IsConnected() {
			c.logger.Info().Msg("leadership lost, closing notifications socket")
		}
		c.notifications.Disconnect()
		return
	}

	if c.notifications.IsConnected() {
		return
	}

	c.logger.Info().Msg("leadership acquired, opening notifications socket")
	if err := c.notifications.Connect(); err != nil {
		if errors.Is(err, realtime.ErrFatalAuth) {
			c.logger.Error().Err(err).Msg("notifications socket rejected credentials")
			return
		}
		c.logger.Warn().Err(err).Msg("notifications socket connect failed, retrying in background")
	}
}
