// Package ingest implements the OpenRosa submission pipeline: form
// resolution, duplicate and edit detection, attachment storage, mirroring
// and deferred counting.
package ingest

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kobocat/internal/blob"
	"kobocat/internal/metrics"
	"kobocat/internal/mirror"
	"kobocat/internal/openrosa"
	"kobocat/pkg/domain"
)

// Options wires a Service. Store and Blobs are required. A nil Mirror
// disables mirroring; a nil Retrier drops failed mirror writes.
type Options struct {
	Store   domain.PersistentStore
	Blobs   blob.Store
	Mirror  mirror.Mirror
	Retrier *mirror.Retrier
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewUUID func() string
	// MaxEntrySize caps each decompressed file of a bulk archive. Zero
	// means the OpenRosa default content length.
	MaxEntrySize int64
}

// Service runs submissions through the pipeline.
type Service struct {
	store    domain.PersistentStore
	blobs    blob.Store
	mirror   mirror.Mirror
	retrier  *mirror.Retrier
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newUUID  func() string
	maxEntry int64

	suspended atomic.Bool
}

// NewService constructs a Service from opts.
func NewService(opts Options) *Service {
	s := &Service{
		store:    opts.Store,
		blobs:    opts.Blobs,
		mirror:   opts.Mirror,
		retrier:  opts.Retrier,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		newUUID:  opts.NewUUID,
		maxEntry: opts.MaxEntrySize,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.maxEntry <= 0 {
		s.maxEntry = openrosa.DefaultMaxContentLength
	}
	if s.newUUID == nil {
		s.newUUID = func() string { return uuid.NewString() }
	}
	return s
}

// SetSuspended turns maintenance mode on or off. While suspended every
// submission fails with ErrTemporarilyUnavailable.
func (s *Service) SetSuspended(v bool) {
	s.suspended.Store(v)
	s.logger.Info("submission intake toggled", zap.Bool("suspended", v))
}

// Suspended reports whether maintenance mode is on.
func (s *Service) Suspended() bool { return s.suspended.Load() }

// Store returns the primary store the service writes to.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Blobs returns the attachment store.
func (s *Service) Blobs() blob.Store { return s.blobs }

// Mirror returns the configured mirror, which may be nil.
func (s *Service) Mirror() mirror.Mirror { return s.mirror }

func hexUUID(id string) string { return strings.ReplaceAll(id, "-", "") }

func lower(name string) string { return strings.ToLower(strings.TrimSpace(name)) }
