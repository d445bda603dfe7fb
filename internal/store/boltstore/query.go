package boltstore

import (
	"bytes"
	"context"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mohammed-shakir/tileindex/internal/store"
)

const defaultLimit = 1000

func (s *Store) Query(_ context.Context, q store.Query) (store.Page, error) {
	start := time.Now()
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	var page store.Page
	err := s.db.View(func(tx *bbolt.Tx) error {
		items := bucket(tx, q.Dataset, itemsBucket)
		if items == nil {
			return nil
		}
		if q.Index == store.CellIndex {
			return queryCells(items, bucket(tx, q.Dataset, cellsBucket), q, limit, &page)
		}
		return queryItems(items, q, limit, &page)
	})
	observe("query", err, start)
	if err != nil {
		return store.Page{}, wrap("query", q.Dataset, q.Prefix, err)
	}
	return page, nil
}

func queryItems(items *bbolt.Bucket, q store.Query, limit int, page *store.Page) error {
	c := items.Cursor()
	prefix := []byte(q.Prefix)

	var k, v []byte
	if q.Start != nil {
		k, v = c.Seek([]byte(q.Start.Key))
		if k != nil && string(k) == q.Start.Key {
			k, v = c.Next()
		}
	} else {
		k, v = c.Seek(prefix)
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if q.Exact && string(k) != q.Prefix {
			break
		}
		var rec store.Record
		if err := decode(v, &rec); err != nil {
			return err
		}
		if q.Filter != nil && !rec.Overlaps(*q.Filter) {
			continue
		}
		if len(page.Records) == limit {
			last := page.Records[limit-1]
			page.Next = &store.Cursor{Dataset: q.Dataset, Key: last.Key}
			return nil
		}
		page.Records = append(page.Records, rec)
	}
	return nil
}

func queryCells(items, cells *bbolt.Bucket, q store.Query, limit int, page *store.Page) error {
	if cells == nil {
		return nil
	}
	c := cells.Cursor()
	prefix := []byte(q.Prefix)
	if q.Exact {
		prefix = append(prefix, 0)
	}

	var k, v []byte
	if q.Start != nil {
		from := cellKey(q.Start.Cell, q.Start.Key)
		k, v = c.Seek(from)
		if k != nil && bytes.Equal(k, from) {
			k, v = c.Next()
		}
	} else {
		k, v = c.Seek(prefix)
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		rec, exists, err := load(items, string(v))
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if q.Filter != nil && !rec.Overlaps(*q.Filter) {
			continue
		}
		if len(page.Records) == limit {
			last := page.Records[limit-1]
			page.Next = &store.Cursor{Dataset: q.Dataset, Key: last.Key, Cell: last.Cell}
			return nil
		}
		page.Records = append(page.Records, rec)
	}
	return nil
}

func (s *Store) Scan(_ context.Context, prefix string, from *store.Cursor, limit int) (store.Page, error) {
	start := time.Now()
	if limit <= 0 {
		limit = defaultLimit
	}
	var page store.Page
	err := s.db.View(func(tx *bbolt.Tx) error {
		roots := tx.Cursor()
		var name []byte
		if from != nil {
			name, _ = roots.Seek([]byte(from.Dataset))
		} else {
			name, _ = roots.First()
		}
		for ; name != nil; name, _ = roots.Next() {
			items := bucket(tx, string(name), itemsBucket)
			if items == nil {
				continue
			}
			q := store.Query{Dataset: string(name), Prefix: prefix}
			if from != nil && from.Dataset == string(name) {
				q.Start = from
			}
			remaining := limit - len(page.Records)
			var sub store.Page
			if err := queryItems(items, q, remaining, &sub); err != nil {
				return err
			}
			page.Records = append(page.Records, sub.Records...)
			if sub.Next != nil {
				page.Next = sub.Next
				return nil
			}
			if len(page.Records) == limit {
				// the next dataset may still hold matches
				last := page.Records[limit-1]
				page.Next = &store.Cursor{Dataset: last.Dataset, Key: last.Key}
				return nil
			}
		}
		return nil
	})
	observe("scan", err, start)
	if err != nil {
		return store.Page{}, wrap("scan", "*", prefix, err)
	}
	return page, nil
}
