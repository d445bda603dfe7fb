// Package changes publishes feature change events to Kafka and consumes
// them back. Events are advisory: a full publish queue drops events rather
// than slowing writes down.
package changes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

const Version = 1

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

var ErrInvalidEvent = errors.New("invalid change event")

type Event struct {
	Version   int       `json:"version"`
	Op        string    `json:"op"`
	Dataset   string    `json:"dataset"`
	FeatureID string    `json:"feature_id"`
	BBox      *BBox     `json:"bbox,omitempty"`
	TS        time.Time `json:"ts"`
}

// BBox is west, south, east, north in degrees.
type BBox [4]float64

func BBoxOf(b orb.Bound) *BBox {
	return &BBox{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()}
}

// New stamps an event with the current version and time.
func New(op, dataset, id string, b *orb.Bound) Event {
	ev := Event{Version: Version, Op: op, Dataset: dataset, FeatureID: id, TS: time.Now().UTC()}
	if b != nil {
		ev.BBox = BBoxOf(*b)
	}
	return ev
}

func (e Event) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("%w: version must be %d", ErrInvalidEvent, Version)
	}
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("%w: op must be insert|update|delete", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.Dataset) == "" {
		return fmt.Errorf("%w: dataset is required", ErrInvalidEvent)
	}
	if e.FeatureID == "" {
		return fmt.Errorf("%w: feature_id is required", ErrInvalidEvent)
	}
	if e.TS.IsZero() {
		return fmt.Errorf("%w: ts is required", ErrInvalidEvent)
	}
	if e.BBox != nil {
		if e.BBox[1] > e.BBox[3] || e.BBox[1] < -90 || e.BBox[3] > 90 {
			return fmt.Errorf("%w: bbox latitude out of range", ErrInvalidEvent)
		}
	}
	return nil
}
