// Package store defines the ordered key-value contract the index is built on.
// Records are partitioned by dataset and ordered by a composite sort key; a
// secondary ordering on the cell attribute serves spatial lookups.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrConditionFailed = errors.New("condition failed")
)

// BackendError wraps a failure reported by a concrete backend.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Record is the persisted form of a feature or of a dataset summary.
type Record struct {
	Dataset string  `dynamodbav:"dataset" msgpack:"dataset"`
	Key     string  `dynamodbav:"id" msgpack:"id"`
	Cell    string  `dynamodbav:"cell,omitempty" msgpack:"cell,omitempty"`
	West    float64 `dynamodbav:"west" msgpack:"west"`
	South   float64 `dynamodbav:"south" msgpack:"south"`
	East    float64 `dynamodbav:"east" msgpack:"east"`
	North   float64 `dynamodbav:"north" msgpack:"north"`
	Size    int64   `dynamodbav:"size" msgpack:"size"`
	Val     []byte  `dynamodbav:"val,omitempty" msgpack:"val,omitempty"`
	BlobURL string  `dynamodbav:"s3url,omitempty" msgpack:"s3url,omitempty"`

	// summary records only
	Count     int64 `dynamodbav:"count,omitempty" msgpack:"count,omitempty"`
	EditCount int64 `dynamodbav:"editcount,omitempty" msgpack:"editcount,omitempty"`
	Updated   int64 `dynamodbav:"updated,omitempty" msgpack:"updated,omitempty"`
}

// Bound returns the record's bounding box.
func (r Record) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{r.West, r.South}, Max: orb.Point{r.East, r.North}}
}

// Overlaps reports whether the record's box intersects b, edges inclusive.
func (r Record) Overlaps(b orb.Bound) bool {
	return r.West <= b.Max.Lon() && r.East >= b.Min.Lon() &&
		r.North >= b.Min.Lat() && r.South <= b.Max.Lat()
}

// Condition guards a single-key write.
type Condition int

const (
	Always Condition = iota
	IfAbsent
	IfExists
)

func (c Condition) String() string {
	switch c {
	case IfAbsent:
		return "if-absent"
	case IfExists:
		return "if-exists"
	default:
		return "always"
	}
}

// Index selects the ordering a query walks.
type Index int

const (
	PrimaryIndex Index = iota
	CellIndex
)

// Cursor is the exclusive start position of a query page.
type Cursor struct {
	Dataset string
	Key     string
	Cell    string
}

// Query is a range lookup within one dataset. Prefix selects sort keys (or
// cells) beginning with it; Exact selects an exact match instead. Filter, when
// set, drops records whose box does not overlap it.
type Query struct {
	Dataset string
	Index   Index
	Prefix  string
	Exact   bool
	Filter  *orb.Bound
	Start   *Cursor
	Limit   int
}

// Matches reports whether key satisfies the prefix/exact condition.
func (q Query) Matches(key string) bool {
	if q.Exact {
		return key == q.Prefix
	}
	return len(key) >= len(q.Prefix) && key[:len(q.Prefix)] == q.Prefix
}

// Page is one slice of query results. Next is nil on the last page.
type Page struct {
	Records []Record
	Next    *Cursor
}

// Deltas are additive counter adjustments. Updated, when non-zero, replaces
// the stored timestamp.
type Deltas struct {
	Count     int64
	Size      int64
	EditCount int64
	Updated   int64
}

// Edge names one side of a bounding box.
type Edge int

const (
	West Edge = iota
	South
	East
	North
)

func (e Edge) String() string {
	switch e {
	case West:
		return "west"
	case South:
		return "south"
	case East:
		return "east"
	default:
		return "north"
	}
}

// Extends reports whether v pushes edge e outward past cur.
func (e Edge) Extends(cur, v float64) bool {
	if e == West || e == South {
		return v < cur
	}
	return v > cur
}

// Get returns the edge value of r.
func (e Edge) Get(r Record) float64 {
	switch e {
	case West:
		return r.West
	case South:
		return r.South
	case East:
		return r.East
	default:
		return r.North
	}
}

// Set stores v on edge e of r.
func (e Edge) Set(r *Record, v float64) {
	switch e {
	case West:
		r.West = v
	case South:
		r.South = v
	case East:
		r.East = v
	default:
		r.North = v
	}
}

// Key addresses one record.
type Key struct {
	Dataset string
	Key     string
}

// Store is the key-value contract. Every single-key operation is atomic;
// nothing spans keys.
type Store interface {
	Get(ctx context.Context, dataset, key string) (Record, error)
	Put(ctx context.Context, rec Record, cond Condition) error
	// Delete removes a record and returns what was stored.
	Delete(ctx context.Context, dataset, key string, cond Condition) (Record, error)
	// Update adds d to the counters of a record.
	Update(ctx context.Context, dataset, key string, d Deltas, cond Condition) error
	// Extend sets one bound edge when the record exists and v extends it.
	Extend(ctx context.Context, dataset, key string, edge Edge, v float64) (bool, error)
	// Increment atomically adds delta to a counter record, creating it at
	// zero if missing, and returns the new value.
	Increment(ctx context.Context, dataset, key string, delta int64) (int64, error)
	Query(ctx context.Context, q Query) (Page, error)
	// BatchPut writes records unconditionally and returns those it could not.
	BatchPut(ctx context.Context, recs []Record) ([]Record, error)
	// BatchDelete removes keys and returns those it could not.
	BatchDelete(ctx context.Context, keys []Key) ([]Key, error)
	// Scan walks every record whose sort key starts with prefix, across all
	// datasets, ordered by dataset then key.
	Scan(ctx context.Context, prefix string, start *Cursor, limit int) (Page, error)
	Close() error
}
