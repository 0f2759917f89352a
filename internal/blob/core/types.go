// Package core holds the contract every attachment backend implements.
package core

import (
	"context"
	"errors"
	"io"
	"maps"
	"time"
)

// Driver names a backend in configuration.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
)

// PutOptions travel with a write.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// SignedURLOptions shape a presigned download link. Only GET links exist;
// a zero Expiry means fifteen minutes.
type SignedURLOptions struct {
	Method string
	Expiry time.Duration
}

// Info is what a backend knows about one object.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store keeps attachment bytes by key. Keys are write-once: Put on a taken
// key returns ErrExists, and reading an absent key returns ErrNotFound.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	PresignURL(ctx context.Context, key string, opts SignedURLOptions) (string, error)
	Driver() Driver
}

var (
	ErrUnsupported = errors.New("blob: operation not supported by driver")
	ErrNotFound    = errors.New("blob: no such key")
	ErrExists      = errors.New("blob: key already written")
)

// CloneMetadata returns a private copy of m, nil for nil.
func CloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}
