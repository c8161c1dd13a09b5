// Package storage uploads selfie images to durable blob storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrUnavailable wraps every upload failure.
var ErrUnavailable = errors.New("storage unavailable")

// Blob stores an object and returns its public URL.
type Blob interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// ImageExtension maps an image content type to a file extension. It
// reports false for anything that is not a supported image.
func ImageExtension(contentType string) (string, bool) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	ext, ok := imageExtensions[ct]
	return ext, ok
}

// SelfieKey builds a collision-free object key for a user's selfie.
func SelfieKey(userID int64, ext string) string {
	return fmt.Sprintf("selfies/%d/%s%s", userID, uuid.NewString(), ext)
}

// MemoryBlob keeps objects in memory. Used in development and tests.
type MemoryBlob struct {
	mu      sync.Mutex
	baseURL string
	objects map[string][]byte
	// Err, when set, fails every upload.
	Err error
}

// NewMemoryBlob builds an empty in-memory store serving from baseURL.
func NewMemoryBlob(baseURL string) *MemoryBlob {
	return &MemoryBlob{baseURL: strings.TrimRight(baseURL, "/"), objects: make(map[string][]byte)}
}

// Upload implements Blob.
func (m *MemoryBlob) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, m.Err)
	}
	m.objects[key] = append([]byte(nil), data...)
	return m.baseURL + "/" + key, nil
}

// Object returns a stored object.
func (m *MemoryBlob) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// Len returns the number of stored objects.
func (m *MemoryBlob) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
