package handler

import (
	"context"
	"errors"
	"mime/multipart"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bizdash-realtime/internal/chatstate"
	"github.com/noah-isme/bizdash-realtime/internal/dto"
	"github.com/noah-isme/bizdash-realtime/internal/models"
	"github.com/noah-isme/bizdash-realtime/internal/service"
	"github.com/noah-isme/bizdash-realtime/internal/utils"
)

const (
	chatFrameBufferSize   = 32
	chatSocketWriteWait   = 10 * time.Second
	chatSocketPingEvery   = 30 * time.Second
	maxAttachmentsPerPost = 10
)

// ChatHandler exposes the chat session to the local UI shell.
type ChatHandler struct {
	session     service.ChatSession
	attachments service.AttachmentService
	validator   *validator.Validate
	logger      zerolog.Logger
}

// NewChatHandler creates a chat handler. attachments may be nil.
func NewChatHandler(session service.ChatSession, attachments service.AttachmentService, validate *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		session:     session,
		attachments: attachments,
		validator:   validate,
		logger:      logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes. sendGuard wraps the outbound message routes.
func (h *ChatHandler) Register(router fiber.Router, sendGuard fiber.Handler) {
	if sendGuard == nil {
		sendGuard = func(c *fiber.Ctx) error { return c.Next() }
	}

	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(h.stream))

	router.Get("/", h.list)
	router.Get("/selected", h.selected)
	router.Delete("/selected", h.clearSelection)
	router.Post("/:id/select", h.selectChat)
	router.Post("/:id/messages", sendGuard, h.sendText)
	router.Post("/:id/attachments", sendGuard, h.sendAttachments)
}

func (h *ChatHandler) list(c *fiber.Ctx) error {
	var query dto.ChatListQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}
	if err := h.validator.Struct(query); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid filter", validationDetails(err))
	}

	h.session.SetSearch(query.Search)
	h.session.SetAssignmentTab(service.AssignmentTab(query.Tab))
	h.session.SetPlatform(models.Platform(query.Platform))
	h.session.SetEmailFolder(query.Folder)

	chats := h.session.FilteredChats()
	selectedID := h.session.State().SelectedID

	return utils.OK(c, dto.NewChatSummarySlice(chats, selectedID), "chats", fiber.Map{
		"total":  len(chats),
		"filter": h.session.Filter(),
	})
}

func (h *ChatHandler) selected(c *fiber.Ctx) error {
	selected := h.session.State().Selected()
	if selected == nil {
		return utils.SendError(c, fiber.StatusNotFound, "no chat selected")
	}
	return utils.SendSuccess(c, "selected chat", selected)
}

func (h *ChatHandler) clearSelection(c *fiber.Ctx) error {
	h.session.ClearSelection()
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ChatHandler) selectChat(c *fiber.Ctx) error {
	chatID := c.Params("id")
	if err := h.session.SelectChat(requestContext(c), chatID); err != nil {
		if errors.Is(err, service.ErrChatNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Str("chat_id", chatID).Msg("select chat failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "select chat failed")
	}
	return utils.SendSuccess(c, "chat selected", h.session.State().Selected())
}

func (h *ChatHandler) sendText(c *fiber.Ctx) error {
	var payload dto.ChatSendRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
	}

	ctx := requestContext(c)
	if err := h.ensureSelected(ctx, c.Params("id")); err != nil {
		return h.sendError(c, err)
	}

	message, err := h.session.SendText(ctx, payload.Text)
	if err != nil {
		return h.sendError(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", message)
}

func (h *ChatHandler) sendAttachments(c *fiber.Ctx) error {
	if h.attachments == nil {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "attachments disabled")
	}

	form, err := c.MultipartForm()
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "multipart form required")
	}
	files := make([]*multipart.FileHeader, 0, len(form.File["files"])+len(form.File["file"]))
	files = append(files, form.File["files"]...)
	files = append(files, form.File["file"]...)
	if len(files) == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}
	if len(files) > maxAttachmentsPerPost {
		return utils.SendError(c, fiber.StatusBadRequest, "too many files")
	}

	ctx := requestContext(c)
	if err := h.ensureSelected(ctx, c.Params("id")); err != nil {
		return h.sendError(c, err)
	}

	var images, documents []models.Attachment
	for _, header := range files {
		stored, err := h.storeAttachment(ctx, header)
		if err != nil {
			switch {
			case errors.Is(err, service.ErrAttachmentTooLarge):
				return utils.SendError(c, fiber.StatusRequestEntityTooLarge, err.Error())
			case errors.Is(err, service.ErrAttachmentTypeNotAllowed), errors.Is(err, service.ErrAttachmentEmpty):
				return utils.Fail(c, fiber.StatusBadRequest, err.Error(), fiber.Map{"file": header.Filename})
			default:
				requestLogger(h.logger, c).Error().Err(err).Str("file", header.Filename).Msg("attachment upload failed")
				return utils.SendError(c, fiber.StatusInternalServerError, "upload failed")
			}
		}
		if stored.Kind == models.MessageKindImages {
			images = append(images, stored.Attachment)
		} else {
			documents = append(documents, stored.Attachment)
		}
	}

	sent := make([]models.Message, 0, 2)
	if len(images) > 0 {
		message, err := h.session.SendImages(ctx, images)
		if err != nil {
			return h.sendError(c, err)
		}
		sent = append(sent, message)
	}
	if len(documents) > 0 {
		message, err := h.session.SendFiles(ctx, documents)
		if err != nil {
			return h.sendError(c, err)
		}
		sent = append(sent, message)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "attachments sent", sent)
}

func (h *ChatHandler) storeAttachment(ctx context.Context, header *multipart.FileHeader) (service.StoredAttachment, error) {
	file, err := header.Open()
	if err != nil {
		return service.StoredAttachment{}, err
	}
	defer file.Close()
	return h.attachments.Store(ctx, header.Filename, file)
}

func (h *ChatHandler) ensureSelected(ctx context.Context, chatID string) error {
	if h.session.State().SelectedID == chatID {
		return nil
	}
	return h.session.SelectChat(ctx, chatID)
}

func (h *ChatHandler) sendError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrChatNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrEmptyMessage), errors.Is(err, service.ErrNoSelection):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("chat send failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "send failed")
	}
}

// stream pushes a state frame after every session change and accepts UI commands.
func (h *ChatHandler) stream(conn *websocket.Conn) {
	frames := make(chan dto.ChatStateFrame, chatFrameBufferSize)
	closed := make(chan struct{})
	var once sync.Once
	closeConn := func() {
		once.Do(func() {
			close(closed)
			_ = conn.Close()
		})
	}

	push := func(state chatstate.State) {
		if offerFrame(frames, stateFrame(state)) {
			h.logger.Debug().Msg("dropping stale chat state frame for slow consumer")
		}
	}

	unsubscribe := h.session.Subscribe(push)
	defer unsubscribe()
	push(h.session.State())

	go h.writeFrames(conn, frames, closed, closeConn)
	h.readCommands(conn, push, closeConn)
}

// offerFrame queues frame without blocking. A full buffer gives up its oldest
// frame so the newest state always reaches the writer. It reports whether a
// frame was evicted.
func offerFrame(frames chan dto.ChatStateFrame, frame dto.ChatStateFrame) bool {
	evicted := false
	for {
		select {
		case frames <- frame:
			return evicted
		default:
		}
		select {
		case <-frames:
			evicted = true
		default:
		}
	}
}

func (h *ChatHandler) writeFrames(conn *websocket.Conn, frames <-chan dto.ChatStateFrame, closed <-chan struct{}, closeConn func()) {
	defer closeConn()

	ticker := time.NewTicker(chatSocketPingEvery)
	defer ticker.Stop()

	for {
		select {
		case frame := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(chatSocketWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				h.logger.Debug().Err(err).Msg("chat state write loop terminated")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(chatSocketWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug().Err(err).Msg("chat state ping failed")
				return
			}
		case <-closed:
			return
		}
	}
}

func (h *ChatHandler) readCommands(conn *websocket.Conn, push func(chatstate.State), closeConn func()) {
	defer closeConn()

	for {
		var command dto.ChatSocketCommand
		if err := conn.ReadJSON(&command); err != nil {
			h.logger.Debug().Err(err).Msg("chat state read loop ended")
			return
		}
		if err := h.validator.Struct(command); err != nil {
			h.logger.Warn().Err(err).Msg("invalid chat socket command")
			continue
		}

		ctx := context.Background()
		var err error
		switch command.Type {
		case "select":
			err = h.session.SelectChat(ctx, command.ChatID)
		case "clear":
			h.session.ClearSelection()
		case "send_text":
			if command.ChatID != "" {
				err = h.ensureSelected(ctx, command.ChatID)
			}
			if err == nil {
				_, err = h.session.SendText(ctx, command.Text)
			}
		}
		if err != nil {
			h.logger.Warn().Err(err).Str("command", command.Type).Msg("chat socket command failed")
			push(h.session.State())
		}
	}
}

func stateFrame(state chatstate.State) dto.ChatStateFrame {
	return dto.ChatStateFrame{
		Type:       "state",
		SelectedID: state.SelectedID,
		Selected:   state.Selected(),
		Chats:      dto.NewChatSummarySlice(state.Chats, state.SelectedID),
		SentAt:     time.Now().UTC(),
	}
}
