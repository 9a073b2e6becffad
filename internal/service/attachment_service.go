package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/bizdash-realtime/internal/models"
	"github.com/noah-isme/bizdash-realtime/internal/observability"
)

var (
	// ErrAttachmentTooLarge indicates the payload exceeded the configured limit.
	ErrAttachmentTooLarge = errors.New("attachment exceeds maximum allowed size")
	// ErrAttachmentTypeNotAllowed indicates the detected MIME type is not permitted.
	ErrAttachmentTypeNotAllowed = errors.New("attachment type not allowed")
	// ErrAttachmentEmpty indicates an upload without content.
	ErrAttachmentEmpty = errors.New("attachment is empty")
)

// AttachmentStorage persists attachment bytes and returns the public URL.
type AttachmentStorage interface {
	Store(ctx context.Context, name string, reader io.Reader) (string, error)
}

// StoredAttachment is an attachment ready to be sent, with its payload kind.
type StoredAttachment struct {
	Attachment models.Attachment `json:"attachment"`
	Kind       models.MessageKind `json:"kind"`
	Checksum   string             `json:"checksum"`
}

// AttachmentService validates uploads and classifies them as images or files.
type AttachmentService interface {
	Store(ctx context.Context, name string, reader io.Reader) (StoredAttachment, error)
}

type attachmentService struct {
	storage AttachmentStorage
	logger  zerolog.Logger
	maxSize int64
	tracer  trace.Tracer
}

// NewAttachmentService constructs an attachment service.
func NewAttachmentService(storage AttachmentStorage, maxSizeMB int, logger zerolog.Logger) AttachmentService {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	return &attachmentService{
		storage: storage,
		logger:  logger.With().Str("component", "attachment_service").Logger(),
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		tracer:  otel.Tracer("github.com/noah-isme/bizdash-realtime/internal/service/attachment"),
	}
}

func (s *attachmentService) Store(ctx context.Context, name string, reader io.Reader) (StoredAttachment, error) {
	ctx, span := s.tracer.Start(ctx, "attachment.store", trace.WithAttributes(
		attribute.String("attachment.original_name", strings.TrimSpace(name)),
		attribute.Int64("attachment.max_bytes", s.maxSize),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		observability.AttachmentLatency().Observe(time.Since(start).Seconds())
	}()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(reader, s.maxSize+1)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return StoredAttachment{}, err
	}
	if buf.Len() == 0 {
		observability.Attachments().WithLabelValues("unknown", "empty").Inc()
		span.SetStatus(codes.Error, "empty payload")
		return StoredAttachment{}, ErrAttachmentEmpty
	}
	if int64(buf.Len()) > s.maxSize {
		observability.Attachments().WithLabelValues("unknown", "too_large").Inc()
		span.RecordError(ErrAttachmentTooLarge)
		span.SetStatus(codes.Error, "payload too large")
		return StoredAttachment{}, ErrAttachmentTooLarge
	}

	mime := mimetype.Detect(buf.Bytes())
	kind, ok := classifyMime(mime.String())
	span.SetAttributes(attribute.String("attachment.detected_mime", mime.String()))
	if !ok {
		observability.Attachments().WithLabelValues("unknown", "rejected").Inc()
		span.RecordError(ErrAttachmentTypeNotAllowed)
		span.SetStatus(codes.Error, "type not allowed")
		return StoredAttachment{}, ErrAttachmentTypeNotAllowed
	}

	checksum := sha256.Sum256(buf.Bytes())
	fileName := sanitizeFileName(name, mime.Extension())

	url, err := s.storage.Store(ctx, fileName, bytes.NewReader(buf.Bytes()))
	if err != nil {
		observability.Attachments().WithLabelValues(string(kind), "storage_failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage failed")
		return StoredAttachment{}, err
	}

	observability.Attachments().WithLabelValues(string(kind), "stored").Inc()
	span.SetStatus(codes.Ok, "stored")

	return StoredAttachment{
		Attachment: models.Attachment{
			URL:      url,
			Name:     fileName,
			MimeType: mime.String(),
			Size:     int64(buf.Len()),
		},
		Kind:     kind,
		Checksum: hex.EncodeToString(checksum[:]),
	}, nil
}

// classifyMime maps a detected MIME type onto the message payload it belongs to.
func classifyMime(m string) (models.MessageKind, bool) {
	lower := strings.ToLower(strings.TrimSpace(m))
	if i := strings.Index(lower, ";"); i >= 0 {
		lower = strings.TrimSpace(lower[:i])
	}
	if strings.HasPrefix(lower, "image/") {
		return models.MessageKindImages, true
	}
	switch lower {
	case "application/pdf",
		"application/zip",
		"text/plain",
		"text/csv",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return models.MessageKindFiles, true
	default:
		return models.MessageKindNone, false
	}
}

func sanitizeFileName(name, detectedExt string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	base = strings.ToLower(base)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		if r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" || base == "." {
		base = fmt.Sprintf("attachment-%d", time.Now().Unix())
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = detectedExt
	}
	if ext == "" {
		ext = ".bin"
	}
	return base + ext
}

// DiskStorage writes attachments below a local directory served under a URL prefix.
type DiskStorage struct {
	dir    string
	prefix string
}

// NewDiskStorage prepares dir and returns a storage publishing files under prefix.
func NewDiskStorage(dir, prefix string) (*DiskStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}
	return &DiskStorage{dir: dir, prefix: "/" + strings.Trim(prefix, "/")}, nil
}

// Dir returns the directory attachments are written to.
func (d *DiskStorage) Dir() string {
	return d.dir
}

// Store writes the payload under a unique name.
func (d *DiskStorage) Store(_ context.Context, name string, reader io.Reader) (string, error) {
	unique := uuid.NewString()[:8] + "-" + name
	file, err := os.Create(filepath.Join(d.dir, unique))
	if err != nil {
		return "", fmt.Errorf("create attachment: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, reader); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return path.Join(d.prefix, unique), nil
}
