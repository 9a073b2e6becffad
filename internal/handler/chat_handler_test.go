package handler_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bizdash-realtime/internal/dto"
	"github.com/noah-isme/bizdash-realtime/internal/handler"
	"github.com/noah-isme/bizdash-realtime/internal/models"
	"github.com/noah-isme/bizdash-realtime/internal/service"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52}

type sentMessage struct {
	chatID  string
	message models.Message
}

type recordingSender struct {
	mu     sync.Mutex
	online bool
	sent   []sentMessage
}

func (s *recordingSender) SendChatMessage(chatID string, message models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{chatID: chatID, message: message})
	return s.online
}

func (s *recordingSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func handlerChats() []models.Chat {
	return []models.Chat{
		{ID: "wa-1", Name: "Alice", Platform: models.PlatformWhatsApp, UnreadCount: 2, MessagesLoaded: true, LastMessage: models.LastMessage{Content: "Is the order shipped?"}},
		{ID: "mail-1", Name: "Billing", Platform: models.PlatformEmail, EmailFolder: "inbox", MessagesLoaded: true},
		{ID: "mail-2", Name: "Newsletter", Platform: models.PlatformEmail, EmailFolder: "archive", MessagesLoaded: true},
	}
}

func newChatApp(t *testing.T, withAttachments bool) (*fiber.App, service.ChatSession, *recordingSender) {
	t.Helper()

	logger := zerolog.New(io.Discard)
	sender := &recordingSender{online: true}
	session := service.NewChatSession(handlerChats(), service.ChatSessionOptions{Sender: sender, UserID: "agent-1"}, logger)

	var attachments service.AttachmentService
	if withAttachments {
		storage, err := service.NewDiskStorage(t.TempDir(), "/uploads")
		require.NoError(t, err)
		attachments = service.NewAttachmentService(storage, 1, logger)
	}

	app := fiber.New()
	handler.NewChatHandler(session, attachments, validator.New(), logger).Register(app.Group("/api/v1/chats"), nil)
	return app, session, sender
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(body, target))
}

func TestChatHandler_ListAppliesFilters(t *testing.T) {
	app, _, _ := newChatApp(t, false)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chats?platform=email&folder=archive", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Success bool              `json:"success"`
		Data    []dto.ChatSummary `json:"data"`
		Meta    struct {
			Total int `json:"total"`
		} `json:"meta"`
	}
	decodeResponse(t, resp, &body)
	require.True(t, body.Success)
	require.Len(t, body.Data, 1)
	require.Equal(t, "mail-2", body.Data[0].ID)
	require.Equal(t, 1, body.Meta.Total)
}

func TestChatHandler_ListRejectsUnknownTab(t *testing.T) {
	app, _, _ := newChatApp(t, false)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/chats?tab=everyone", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	var body struct {
		Success bool              `json:"success"`
		Details map[string]string `json:"details"`
	}
	decodeResponse(t, resp, &body)
	require.False(t, body.Success)
	require.Equal(t, "oneof", body.Details["tab"])
}

func TestChatHandler_SelectAndClear(t *testing.T) {
	app, session, _ := newChatApp(t, false)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/chats/missing/select", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/chats/wa-1/select", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Data models.Chat `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.Equal(t, "wa-1", body.Data.ID)
	require.Zero(t, body.Data.UnreadCount)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/chats/selected", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/api/v1/chats/selected", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	require.Nil(t, session.State().Selected())

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/chats/selected", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestChatHandler_SendTextSelectsChat(t *testing.T) {
	app, session, sender := newChatApp(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chats/mail-1/messages", strings.NewReader(`{"text":"We refunded it"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var body struct {
		Data models.Message `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.Equal(t, "We refunded it", body.Data.Text)
	require.Equal(t, "mail-1", session.State().SelectedID)

	sent := sender.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "mail-1", sent[0].chatID)
	require.Equal(t, body.Data.ID, sent[0].message.ID)
}

func TestChatHandler_SendTextValidation(t *testing.T) {
	app, _, sender := newChatApp(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chats/wa-1/messages", strings.NewReader(`{"text":""}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/chats/ghost/messages", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	require.Empty(t, sender.messages())
}

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	for name, content := range files {
		part, err := writer.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf, writer.FormDataContentType()
}

func TestChatHandler_SendAttachmentsSplitsImagesAndFiles(t *testing.T) {
	app, session, sender := newChatApp(t, true)

	body, contentType := multipartBody(t, map[string][]byte{
		"photo.png": pngHeader,
		"notes.txt": []byte("tracking number 42"),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chats/wa-1/attachments", body)
	req.Header.Set(fiber.HeaderContentType, contentType)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var payload struct {
		Data []models.Message `json:"data"`
	}
	decodeResponse(t, resp, &payload)
	require.Len(t, payload.Data, 2)
	require.Len(t, payload.Data[0].Images, 1)
	require.Len(t, payload.Data[1].Files, 1)

	require.Len(t, sender.messages(), 2)
	selected := session.State().Selected()
	require.NotNil(t, selected)
	require.Len(t, selected.Messages, 2)
}

func TestChatHandler_SendAttachmentsRejectsExecutables(t *testing.T) {
	app, _, sender := newChatApp(t, true)

	body, contentType := multipartBody(t, map[string][]byte{
		"tool.exe": []byte("MZ\x90\x00\x03\x00\x00\x00\x04\x00\x00\x00\xff\xff\x00\x00"),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chats/wa-1/attachments", body)
	req.Header.Set(fiber.HeaderContentType, contentType)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.Empty(t, sender.messages())
}

func TestChatHandler_AttachmentsDisabled(t *testing.T) {
	app, _, _ := newChatApp(t, false)

	body, contentType := multipartBody(t, map[string][]byte{"photo.png": pngHeader})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chats/wa-1/attachments", body)
	req.Header.Set(fiber.HeaderContentType, contentType)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestChatHandler_StateSocketRequiresUpgrade(t *testing.T) {
	app, _, _ := newChatApp(t, false)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/chats/ws", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
