package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bizdash-realtime/internal/models"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52}

type failingStorage struct{}

func (failingStorage) Store(context.Context, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

func TestAttachmentServiceClassifiesImagesAndFiles(t *testing.T) {
	storage, err := NewDiskStorage(t.TempDir(), "uploads")
	require.NoError(t, err)
	svc := NewAttachmentService(storage, 1, testLogger())
	ctx := context.Background()

	image, err := svc.Store(ctx, "Product Photo.PNG", bytes.NewReader(pngHeader))
	require.NoError(t, err)
	require.Equal(t, models.MessageKindImages, image.Kind)
	require.Equal(t, "image/png", image.Attachment.MimeType)
	require.Equal(t, "product-photo.png", image.Attachment.Name)
	require.True(t, strings.HasPrefix(image.Attachment.URL, "/uploads/"))
	require.Len(t, image.Checksum, 64)

	stored, err := os.ReadFile(filepath.Join(storage.Dir(), filepath.Base(image.Attachment.URL)))
	require.NoError(t, err)
	require.Equal(t, pngHeader, stored)

	doc, err := svc.Store(ctx, "notes", strings.NewReader("order 1234 shipped on monday"))
	require.NoError(t, err)
	require.Equal(t, models.MessageKindFiles, doc.Kind)
	require.Equal(t, "notes.txt", doc.Attachment.Name)
}

func TestAttachmentServiceRejectsInvalidUploads(t *testing.T) {
	storage, err := NewDiskStorage(t.TempDir(), "/uploads/")
	require.NoError(t, err)
	svc := NewAttachmentService(storage, 1, testLogger())
	ctx := context.Background()

	_, err = svc.Store(ctx, "empty.txt", bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrAttachmentEmpty)

	_, err = svc.Store(ctx, "big.txt", bytes.NewReader(bytes.Repeat([]byte("a"), 1024*1024+1)))
	require.ErrorIs(t, err, ErrAttachmentTooLarge)

	_, err = svc.Store(ctx, "tool.exe", bytes.NewReader([]byte("MZ\x90\x00\x03\x00\x00\x00\x04\x00\x00\x00\xff\xff\x00\x00")))
	require.ErrorIs(t, err, ErrAttachmentTypeNotAllowed)

	_, err = NewAttachmentService(failingStorage{}, 1, testLogger()).Store(ctx, "a.png", bytes.NewReader(pngHeader))
	require.ErrorContains(t, err, "disk full")
}

func TestSanitizeFileName(t *testing.T) {
	require.Equal(t, "invoice-march.pdf", sanitizeFileName("../Invoice March.PDF", ".pdf"))
	require.Equal(t, "scan.png", sanitizeFileName("scan", ".png"))
	require.True(t, strings.HasPrefix(sanitizeFileName("###", ""), "attachment-"))
	require.True(t, strings.HasSuffix(sanitizeFileName("###", ""), ".bin"))
}
