package objects

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and Delete for unknown names.
var ErrNotFound = errors.New("objects: not found")

// Metadata describes a stored object.
type Metadata struct {
	ContentType string            `json:"content_type,omitempty"`
	SizeBytes   int64             `json:"size_bytes,omitempty"`
	Version     string            `json:"version,omitempty"`
	StoredAt    time.Time         `json:"stored_at,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Store keeps named blobs such as per-user result files.
type Store interface {
	Put(ctx context.Context, name string, content []byte, meta Metadata) (Metadata, error)
	Get(ctx context.Context, name string) ([]byte, Metadata, error)
	Delete(ctx context.Context, name string) error
}

// ResultFileName is where a user's result document lives.
func ResultFileName(userID int64) string {
	return "storage/" + itoa(userID) + "_result.json"
}
