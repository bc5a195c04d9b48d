package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrPresignNotSupported is returned by backends without presigned URL support
var ErrPresignNotSupported = errors.New("presigned URLs not supported by this storage backend")

// PresignMethod selects the HTTP verb a presigned URL authorizes
type PresignMethod string

const (
	PresignGet PresignMethod = "GET"
	PresignPut PresignMethod = "PUT"
)

// BlobStorage defines the interface for image content storage
type BlobStorage interface {
	// Store saves content at the given path
	Store(ctx context.Context, path string, content io.Reader, contentType string) error

	// Retrieve gets content from the given path
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes content at the given path
	Delete(ctx context.Context, path string) error

	// DeletePrefix removes all content under the prefix
	DeletePrefix(ctx context.Context, prefix string) error

	// Exists checks if content exists at the given path
	Exists(ctx context.Context, path string) (bool, error)

	// GetSize returns the size of content at the given path
	GetSize(ctx context.Context, path string) (int64, error)

	// List returns paths matching the prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// PresignURL issues a time-limited URL for direct blob access
	PresignURL(ctx context.Context, path string, method PresignMethod, expires time.Duration) (string, error)
}
