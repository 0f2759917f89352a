package main

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"kobocat/internal/blob"
	"kobocat/internal/config"
	"kobocat/internal/core"
	"kobocat/internal/ingest"
	"kobocat/internal/metrics"
	"kobocat/internal/mirror"
	"kobocat/pkg/domain"
)

// app is the wired set of components every command runs against.
type app struct {
	cfg        config.Config
	logger     *zap.Logger
	store      domain.PersistentStore
	blobs      blob.Store
	mirror     mirror.Mirror
	mongo      *mirror.Mongo
	retrier    *mirror.Retrier
	metrics    *metrics.Metrics
	svc        *ingest.Service
	reconciler *mirror.Reconciler
}

func openApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	store, err := core.OpenPersistentStore(cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store

	if a.blobs, err = blob.Open(ctx, cfg.Blob); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	switch cfg.Mirror.Driver {
	case config.MirrorMongo:
		if a.mongo, err = mirror.OpenMongo(ctx, cfg.Mirror.Mongo); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("open mongo mirror: %w", err)
		}
		a.mirror = a.mongo
	case config.MirrorMemory:
		a.mirror = mirror.NewMemory()
	}
	if a.mirror != nil {
		opts := cfg.Mirror.Retry.Options()
		opts.Observe = a.metrics.ObserveMirror
		a.retrier = mirror.NewRetrier(a.mirror, opts, logger.Named("mirror"))
		a.reconciler = mirror.NewReconciler(store, a.mirror, logger.Named("reconcile"))
	}

	a.svc = ingest.NewService(ingest.Options{
		Store:        store,
		Blobs:        a.blobs,
		Mirror:       a.mirror,
		Retrier:      a.retrier,
		Logger:       logger.Named("ingest"),
		Metrics:      a.metrics,
		MaxEntrySize: cfg.MaxContentLength,
	})
	a.svc.SetSuspended(cfg.SubmissionsSuspended)
	return a, nil
}

// ping checks the external dependencies for readiness.
func (a *app) ping(ctx context.Context) error {
	if p, ok := a.store.(core.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	if a.mongo != nil {
		if err := a.mongo.Ping(ctx); err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
	}
	return nil
}

func (a *app) Close(ctx context.Context) {
	if a.retrier != nil {
		if err := a.retrier.Stop(ctx); err != nil {
			a.logger.Warn("mirror retrier stop", zap.Error(err))
		}
	}
	if a.mongo != nil {
		if err := a.mongo.Close(ctx); err != nil {
			a.logger.Warn("close mongo", zap.Error(err))
		}
	}
	if c, ok := a.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("close store", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
