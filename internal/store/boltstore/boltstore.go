// Package boltstore implements store.Store on an embedded bbolt file.
//
// Each dataset is a top-level bucket holding two sub-buckets: "items" maps
// sort keys to msgpack records, and "cells" maps cell+"\x00"+sortKey to the
// sort key, giving the ordered secondary index spatial queries walk.
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/mohammed-shakir/tileindex/internal/core/observability"
	"github.com/mohammed-shakir/tileindex/internal/store"
)

const backend = "bolt"

var (
	itemsBucket = []byte("items")
	cellsBucket = []byte("cells")
)

type Store struct {
	db *bbolt.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database file at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("bolt path is required")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, &store.BackendError{Backend: backend, Op: "open", Err: err}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return &store.BackendError{Backend: backend, Op: "close", Err: err}
	}
	return nil
}

func (s *Store) Get(_ context.Context, dataset, key string) (store.Record, error) {
	start := time.Now()
	var rec store.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		items := bucket(tx, dataset, itemsBucket)
		if items == nil {
			return store.ErrNotFound
		}
		raw := items.Get([]byte(key))
		if raw == nil {
			return store.ErrNotFound
		}
		return decode(raw, &rec)
	})
	observe("get", err, start)
	if err != nil {
		return store.Record{}, wrap("get", dataset, key, err)
	}
	return rec, nil
}

func (s *Store) Put(_ context.Context, rec store.Record, cond store.Condition) error {
	start := time.Now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		items, cells, err := create(tx, rec.Dataset)
		if err != nil {
			return err
		}
		old, exists, err := load(items, rec.Key)
		if err != nil {
			return err
		}
		switch {
		case cond == store.IfAbsent && exists:
			return store.ErrConditionFailed
		case cond == store.IfExists && !exists:
			return store.ErrConditionFailed
		}
		return write(items, cells, rec, old, exists)
	})
	observe("put", err, start)
	return wrap("put", rec.Dataset, rec.Key, err)
}

func (s *Store) Delete(_ context.Context, dataset, key string, cond store.Condition) (store.Record, error) {
	start := time.Now()
	var old store.Record
	err := s.db.Update(func(tx *bbolt.Tx) error {
		items := bucket(tx, dataset, itemsBucket)
		cells := bucket(tx, dataset, cellsBucket)
		if items == nil {
			if cond == store.IfExists {
				return store.ErrNotFound
			}
			return nil
		}
		var (
			exists bool
			err    error
		)
		old, exists, err = load(items, key)
		if err != nil {
			return err
		}
		if !exists {
			if cond == store.IfExists {
				return store.ErrNotFound
			}
			return nil
		}
		return remove(items, cells, old)
	})
	observe("delete", err, start)
	if err != nil {
		return store.Record{}, wrap("delete", dataset, key, err)
	}
	return old, nil
}

func (s *Store) Update(_ context.Context, dataset, key string, d store.Deltas, cond store.Condition) error {
	start := time.Now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		items, cells, err := create(tx, dataset)
		if err != nil {
			return err
		}
		rec, exists, err := load(items, key)
		if err != nil {
			return err
		}
		switch {
		case cond == store.IfExists && !exists:
			return store.ErrConditionFailed
		case cond == store.IfAbsent && exists:
			return store.ErrConditionFailed
		}
		old := rec
		if !exists {
			rec = store.Record{Dataset: dataset, Key: key}
		}
		rec.Count += d.Count
		rec.Size += d.Size
		rec.EditCount += d.EditCount
		if d.Updated != 0 {
			rec.Updated = d.Updated
		}
		return write(items, cells, rec, old, exists)
	})
	observe("update", err, start)
	return wrap("update", dataset, key, err)
}

func (s *Store) Extend(_ context.Context, dataset, key string, edge store.Edge, v float64) (bool, error) {
	start := time.Now()
	applied := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		items := bucket(tx, dataset, itemsBucket)
		if items == nil {
			return nil
		}
		rec, exists, err := load(items, key)
		if err != nil || !exists {
			return err
		}
		if !edge.Extends(edge.Get(rec), v) {
			return nil
		}
		edge.Set(&rec, v)
		applied = true
		return put(items, rec)
	})
	observe("extend", err, start)
	if err != nil {
		return false, wrap("extend", dataset, key, err)
	}
	return applied, nil
}

func (s *Store) Increment(_ context.Context, dataset, key string, delta int64) (int64, error) {
	start := time.Now()
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		items, _, err := create(tx, dataset)
		if err != nil {
			return err
		}
		rec, exists, err := load(items, key)
		if err != nil {
			return err
		}
		if !exists {
			rec = store.Record{Dataset: dataset, Key: key}
		}
		rec.Count += delta
		n = rec.Count
		return put(items, rec)
	})
	observe("increment", err, start)
	if err != nil {
		return 0, wrap("increment", dataset, key, err)
	}
	return n, nil
}

func (s *Store) BatchPut(_ context.Context, recs []store.Record) ([]store.Record, error) {
	start := time.Now()
	var unprocessed []store.Record
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, rec := range recs {
			if err := putOne(tx, rec); err != nil {
				unprocessed = append(unprocessed, rec)
			}
		}
		return nil
	})
	observe("batch_put", err, start)
	if err != nil {
		return recs, &store.BackendError{Backend: backend, Op: "batch put", Err: err}
	}
	return unprocessed, nil
}

func (s *Store) BatchDelete(_ context.Context, keys []store.Key) ([]store.Key, error) {
	start := time.Now()
	var unprocessed []store.Key
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, k := range keys {
			items := bucket(tx, k.Dataset, itemsBucket)
			if items == nil {
				continue
			}
			old, exists, err := load(items, k.Key)
			if err != nil {
				unprocessed = append(unprocessed, k)
				continue
			}
			if !exists {
				continue
			}
			if err := remove(items, bucket(tx, k.Dataset, cellsBucket), old); err != nil {
				unprocessed = append(unprocessed, k)
			}
		}
		return nil
	})
	observe("batch_delete", err, start)
	if err != nil {
		return keys, &store.BackendError{Backend: backend, Op: "batch delete", Err: err}
	}
	return unprocessed, nil
}

func putOne(tx *bbolt.Tx, rec store.Record) error {
	items, cells, err := create(tx, rec.Dataset)
	if err != nil {
		return err
	}
	old, exists, err := load(items, rec.Key)
	if err != nil {
		return err
	}
	return write(items, cells, rec, old, exists)
}

func bucket(tx *bbolt.Tx, dataset string, sub []byte) *bbolt.Bucket {
	root := tx.Bucket([]byte(dataset))
	if root == nil {
		return nil
	}
	return root.Bucket(sub)
}

func create(tx *bbolt.Tx, dataset string) (items, cells *bbolt.Bucket, err error) {
	if dataset == "" {
		return nil, nil, errors.New("dataset is required")
	}
	root, err := tx.CreateBucketIfNotExists([]byte(dataset))
	if err != nil {
		return nil, nil, err
	}
	if items, err = root.CreateBucketIfNotExists(itemsBucket); err != nil {
		return nil, nil, err
	}
	if cells, err = root.CreateBucketIfNotExists(cellsBucket); err != nil {
		return nil, nil, err
	}
	return items, cells, nil
}

func load(items *bbolt.Bucket, key string) (store.Record, bool, error) {
	raw := items.Get([]byte(key))
	if raw == nil {
		return store.Record{}, false, nil
	}
	var rec store.Record
	if err := decode(raw, &rec); err != nil {
		return store.Record{}, false, err
	}
	return rec, true, nil
}

// write replaces old (if any) with rec and keeps the cell index in step.
func write(items, cells *bbolt.Bucket, rec, old store.Record, exists bool) error {
	if exists && old.Cell != "" && old.Cell != rec.Cell {
		if err := cells.Delete(cellKey(old.Cell, old.Key)); err != nil {
			return err
		}
	}
	if rec.Cell != "" {
		if err := cells.Put(cellKey(rec.Cell, rec.Key), []byte(rec.Key)); err != nil {
			return err
		}
	}
	return put(items, rec)
}

func remove(items, cells *bbolt.Bucket, old store.Record) error {
	if old.Cell != "" && cells != nil {
		if err := cells.Delete(cellKey(old.Cell, old.Key)); err != nil {
			return err
		}
	}
	return items.Delete([]byte(old.Key))
}

func put(items *bbolt.Bucket, rec store.Record) error {
	raw, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return items.Put([]byte(rec.Key), raw)
}

func decode(raw []byte, rec *store.Record) error {
	if err := msgpack.Unmarshal(raw, rec); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

func cellKey(cell, key string) []byte {
	var b bytes.Buffer
	b.Grow(len(cell) + 1 + len(key))
	b.WriteString(cell)
	b.WriteByte(0)
	b.WriteString(key)
	return b.Bytes()
}

func wrap(op, dataset, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConditionFailed) {
		return fmt.Errorf("%s %s/%s: %w", op, dataset, key, err)
	}
	return &store.BackendError{Backend: backend, Op: op + " " + dataset + "/" + key, Err: err}
}

func observe(op string, err error, start time.Time) {
	observability.ObserveStoreOp(backend, op, err, time.Since(start).Seconds())
}
