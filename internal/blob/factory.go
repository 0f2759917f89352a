// Package blob is the attachment store seen by the rest of the server. It
// picks a backend from configuration and holds the naming and dedup
// helpers the ingestion pipeline uses.
package blob

import (
	"context"
	"fmt"
	"os"

	"kobocat/internal/blob/core"
	"kobocat/internal/infra/blob/fs"
	memorystore "kobocat/internal/infra/blob/memory"
	infraS3 "kobocat/internal/infra/blob/s3"
)

type (
	Driver           = core.Driver
	PutOptions       = core.PutOptions
	SignedURLOptions = core.SignedURLOptions
	Info             = core.Info
	Store            = core.Store
	S3Config         = infraS3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrUnsupported = core.ErrUnsupported
	ErrNotFound    = core.ErrNotFound
	ErrExists      = core.ErrExists
)

// Options selects and configures the attachment store.
type Options struct {
	Driver  Driver   `yaml:"driver"`
	FSRoot  string   `yaml:"fs_root"`
	BaseURL string   `yaml:"base_url"`
	S3      S3Config `yaml:"s3"`
}

// OptionsFromEnv reads KOBOCAT_BLOB_DRIVER (fs, s3 or memory),
// KOBOCAT_BLOB_FS_ROOT, KOBOCAT_BLOB_BASE_URL and the KOBOCAT_BLOB_S3_*
// settings.
func OptionsFromEnv() Options {
	return Options{
		Driver:  Driver(os.Getenv("KOBOCAT_BLOB_DRIVER")),
		FSRoot:  os.Getenv("KOBOCAT_BLOB_FS_ROOT"),
		BaseURL: os.Getenv("KOBOCAT_BLOB_BASE_URL"),
		S3:      infraS3.ConfigFromEnv(),
	}
}

// Open builds the store named by opts.Driver; the zero driver is fs.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverFilesystem:
		return NewFilesystem(opts.FSRoot, opts.BaseURL)
	case DriverS3:
		return infraS3.New(ctx, opts.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", opts.Driver)
	}
}

// NewFilesystem stores blobs under root. baseURL, when set, is where the
// directory is published and enables download links.
func NewFilesystem(root, baseURL string) (Store, error) {
	store, err := fs.New(root)
	if err != nil {
		return nil, err
	}
	return store.WithBaseURL(baseURL), nil
}

func NewMemory() Store { return memorystore.New() }

// NewMockS3ForTests returns an S3 store talking to an in-process fake.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
