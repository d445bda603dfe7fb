package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mohammed-shakir/tileindex/internal/batch"
	"github.com/mohammed-shakir/tileindex/internal/blob"
	"github.com/mohammed-shakir/tileindex/internal/blob/redisblob"
	"github.com/mohammed-shakir/tileindex/internal/blob/s3blob"
	"github.com/mohammed-shakir/tileindex/internal/changes"
	"github.com/mohammed-shakir/tileindex/internal/core/config"
	"github.com/mohammed-shakir/tileindex/internal/index"
	"github.com/mohammed-shakir/tileindex/internal/query"
	"github.com/mohammed-shakir/tileindex/internal/store"
	"github.com/mohammed-shakir/tileindex/internal/store/boltstore"
	"github.com/mohammed-shakir/tileindex/internal/store/dynamostore"
)

// deps owns everything opened for one command.
type deps struct {
	idx     *index.Index
	closers []func() error
}

func (d *deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}

func open(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *deps, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &deps{}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	s, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	blobs, loc, err := openBlobs(ctx, cfg, d)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	var events index.Publisher
	if cfg.Changes.Enabled {
		pub, err := changes.NewPublisher(cfg.Changes.Brokers, cfg.Changes.Topic, cfg.Changes.QueueSize, log)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		d.closers = append(d.closers, pub.Close)
		events = pub
	}

	idx, err := index.New(s, blobs, events, index.Config{
		Threshold: cfg.Threshold,
		Blob:      loc,
		IDBlock:   cfg.IDBlock,
		Query:     query.Config{Concurrency: cfg.QueryConcurrency, PageSize: cfg.PageSize},
		Batch:     batch.Config{BlobWorkers: cfg.BlobWorkers, ReadLimit: cfg.ReadLimit},
	}, log)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	// the index closes the store; it goes last so publishers drain first
	d.closers = append([]func() error{idx.Close}, d.closers...)
	d.idx = idx
	return d, nil
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendDynamo:
		return dynamostore.Open(ctx, dynamostore.Config{
			Region:          cfg.AWS.Region,
			Endpoint:        cfg.AWS.Endpoint,
			Table:           cfg.Table,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			CreateTable:     cfg.CreateTable,
			Logger:          log,
		})
	default:
		return boltstore.Open(cfg.BoltPath)
	}
}

func openBlobs(ctx context.Context, cfg config.Config, d *deps) (blob.Store, blob.Locator, error) {
	var next blob.Store
	switch cfg.Blob {
	case config.BlobRedis:
		c, err := redisblob.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, blob.Locator{}, err
		}
		d.closers = append(d.closers, c.Close)
		next = c
	case config.BlobS3:
		s, err := s3blob.Open(ctx, s3blob.Config{
			Region:          cfg.AWS.Region,
			Endpoint:        cfg.AWS.Endpoint,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			PathStyle:       cfg.S3PathStyle,
		})
		if err != nil {
			return nil, blob.Locator{}, err
		}
		next = s
	default:
		return nil, blob.Locator{}, nil
	}
	cached, err := blob.NewCached(next, cfg.BlobCacheSize)
	if err != nil {
		return nil, blob.Locator{}, fmt.Errorf("blob cache: %w", err)
	}
	return cached, blob.Locator{Scheme: cfg.Blob, Bucket: cfg.Bucket, Prefix: cfg.Prefix}, nil
}
