package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/bizdash-realtime/internal/broadcast"
	"github.com/noah-isme/bizdash-realtime/internal/config"
	"github.com/noah-isme/bizdash-realtime/internal/database"
	"github.com/noah-isme/bizdash-realtime/internal/handler"
	"github.com/noah-isme/bizdash-realtime/internal/middleware"
	"github.com/noah-isme/bizdash-realtime/internal/models"
	"github.com/noah-isme/bizdash-realtime/internal/realtime"
	"github.com/noah-isme/bizdash-realtime/internal/repository"
	"github.com/noah-isme/bizdash-realtime/internal/restclient"
	"github.com/noah-isme/bizdash-realtime/internal/router"
	"github.com/noah-isme/bizdash-realtime/internal/service"
)

// messageRelay lets the chat session reach the messages socket, which is
// created after the session because the socket delivers into it.
type messageRelay struct {
	mu     sync.RWMutex
	client *realtime.MessagesClient
}

func (r *messageRelay) bind(client *realtime.MessagesClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = client
}

func (r *messageRelay) current() *realtime.MessagesClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client
}

func (r *messageRelay) SendChatMessage(chatID string, message models.Message) bool {
	client := r.current()
	if client == nil {
		return false
	}
	return client.SendChatMessage(chatID, message)
}

func (r *messageRelay) chatSelected(chat models.Chat) {
	if client := r.current(); client != nil {
		client.SubscribeToConversation(chat.ID)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("app", cfg.AppName).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := repository.NewNotificationQueue(func() (*gorm.DB, error) {
		return database.Connect(cfg.QueueDriver, cfg.QueueDSN)
	}, logger)

	transport, closeTransport := buildTransport(ctx, cfg, logger)
	defer closeTransport()

	manager := broadcast.NewManager(transport, broadcast.Timings{
		CheckInterval: cfg.ElectionInterval,
		StaleAfter:    cfg.LeaderStaleAfter,
		ProbeWait:     cfg.LeaderProbeWait,
		AnnounceDelay: cfg.AnnounceDelay,
	}, logger)

	center := service.NewNotificationCenter(logger)
	stopFollowing := center.Follow(manager)
	defer stopFollowing()

	var rest *restclient.Client
	if cfg.APIBaseURL != "" {
		rest = restclient.New(restclient.Options{
			BaseURL:  cfg.APIBaseURL,
			Token:    cfg.AuthToken,
			TenantID: cfg.TenantID,
		}, logger)
	}

	relay := &messageRelay{}
	sessionOpts := service.ChatSessionOptions{
		Sender:         relay,
		OnChatSelected: relay.chatSelected,
		UserID:         cfg.AgentID,
	}
	if rest != nil {
		sessionOpts.Loader = rest
	}
	session := service.NewChatSession(nil, sessionOpts, logger)

	var messages *realtime.MessagesClient
	if cfg.MessagesURL != "" {
		messages = realtime.NewMessagesClient(realtime.MessagesOptions{
			URL:              cfg.MessagesURL,
			Token:            cfg.AuthToken,
			PingInterval:     cfg.PingInterval,
			RetryInterval:    cfg.MessagesRetry,
			AutoReconnect:    cfg.AutoReconnect,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}, session, logger)
		if err := messages.SetTenant(cfg.TenantID); err != nil {
			logger.Warn().Err(err).Msg("failed to set messages tenant")
		}
		relay.bind(messages)
	}

	var notifications *realtime.NotificationsClient
	if cfg.NotificationsURL != "" {
		notifications = realtime.NewNotificationsClient(realtime.NotificationsOptions{
			URL:              cfg.NotificationsURL,
			Token:            cfg.AuthToken,
			PingInterval:     cfg.PingInterval,
			ReconnectBase:    cfg.ReconnectBase,
			ReconnectMax:     cfg.ReconnectMax,
			AutoReconnect:    cfg.AutoReconnect,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}, center, queue, manager, logger)
		if err := notifications.SetTenant(cfg.TenantID); err != nil {
			logger.Warn().Err(err).Msg("failed to set notifications tenant")
		}
	}

	manager.Start(ctx)

	var coordinator *service.RealtimeCoordinator
	if notifications != nil {
		coordinator = service.NewRealtimeCoordinator(manager, notifications, logger)
		coordinator.Start(ctx)
	}

	if messages != nil {
		if err := messages.Connect(); err != nil {
			logger.Warn().Err(err).Msg("messages socket not connected yet")
		}
	}

	var workers sync.WaitGroup
	if rest != nil {
		syncer := service.NewChatSyncer(session, rest, rest, cfg.SnapshotInterval, logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			syncer.Run(ctx)
		}()
	}

	retention := service.NewQueueRetention(queue, cfg.QueueRetentionDays, service.DefaultRetentionInterval, logger)
	workers.Add(1)
	go func() {
		defer workers.Done()
		retention.Run(ctx)
	}()

	validate := validator.New(validator.WithRequiredStructEnabled())

	var attachments service.AttachmentService
	storage, err := service.NewDiskStorage(cfg.UploadDir, "/uploads")
	if err != nil {
		logger.Warn().Err(err).Str("dir", cfg.UploadDir).Msg("attachments disabled")
	} else {
		attachments = service.NewAttachmentService(storage, cfg.UploadMaxMB, logger)
	}

	var actions handler.NotificationActions
	if notifications != nil {
		actions = notifications
	}

	chatHandler := handler.NewChatHandler(session, attachments, validate, logger)
	notificationHandler := handler.NewNotificationHandler(center, actions, queue, logger, cfg.StreamKeepAlive)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.UploadMaxMB + 1) * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AccessLog: cfg.AppEnv == "development"})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:         chatHandler,
		NotificationHandler: notificationHandler,
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
		SendGuard:           middleware.RateLimit("chat-send", 30, time.Minute),
		Status:              realtimeStatus(manager, messages, notifications, center),
		UploadDir:           cfg.UploadDir,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)

	cancel()
	if coordinator != nil {
		coordinator.Stop()
	}
	if messages != nil {
		messages.Disconnect()
	}
	session.WaitIdle()
	manager.Close()
	workers.Wait()

	logger.Info().Msg("agent stopped")
}

func buildTransport(ctx context.Context, cfg config.Config, logger zerolog.Logger) (broadcast.Transport, func()) {
	switch cfg.BroadcastDriver {
	case "redis":
		client, err := database.ConnectRedis(ctx, cfg.RedisURL, "bizdash-realtime")
		if err != nil {
			logger.Warn().Err(err).Msg("redis broadcast unavailable, running standalone")
			return nil, func() {}
		}
		return broadcast.NewRedisTransport(client, cfg.BroadcastChannel, logger), closer(logger, "redis", client)
	case "nats":
		conn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			logger.Warn().Err(err).Msg("nats broadcast unavailable, running standalone")
			return nil, func() {}
		}
		return broadcast.NewNATSTransport(conn, cfg.BroadcastChannel, logger), func() { conn.Close() }
	case "memory":
		hub := broadcast.NewMemoryHub()
		return hub, hub.Close
	default:
		return nil, func() {}
	}
}

func closer(logger zerolog.Logger, name string, client *redis.Client) func() {
	return func() {
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			logger.Warn().Err(err).Str("transport", name).Msg("failed to close broadcast transport")
		}
	}
}

func realtimeStatus(manager *broadcast.Manager, messages *realtime.MessagesClient, notifications *realtime.NotificationsClient, center service.NotificationCenter) func() handler.RealtimeStatus {
	return func() handler.RealtimeStatus {
		status := handler.RealtimeStatus{
			Leader:              manager.IsLeaderTab(),
			TabID:               manager.TabID(),
			MessagesSocket:      "disabled",
			NotificationsSocket: "disabled",
			UnreadCount:         center.UnreadCount(),
		}
		if messages != nil {
			status.MessagesSocket = string(messages.Connection().Status())
		}
		if notifications != nil {
			status.NotificationsSocket = string(notifications.Connection().Status())
		}
		return status
	}
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
