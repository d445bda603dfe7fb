// Package ids normalizes user supplied feature ids and generates new ones.
package ids

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
)

// Key tags. The sort key of every record is one of these followed by the
// feature id, quadkey or dataset name.
const (
	TagID       = "id!"
	TagCell     = "cell!"
	TagMetadata = "metadata!"
	TagIDRange  = "idrange!"
)

// Separator splits a tag from the value it prefixes.
const Separator = "!"

// Generator produces ids for features that arrive without one.
type Generator interface {
	Next(ctx context.Context, dataset string) (string, error)
}

// UUID generates random v4 ids.
type UUID struct{}

func (UUID) Next(context.Context, string) (string, error) {
	return uuid.NewString(), nil
}

// Normalize stringifies a scalar id. The bool is false when v carries no id.
func Normalize(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case uint32:
		return strconv.FormatUint(uint64(t), 10), true
	case uint:
		return strconv.FormatUint(uint64(t), 10), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// Assigner stamps features with their final string id.
type Assigner struct {
	Gen Generator
}

func NewAssigner(gen Generator) Assigner {
	if gen == nil {
		gen = UUID{}
	}
	return Assigner{Gen: gen}
}

// Assign keeps an existing id (stringified) or generates one, and writes the
// result back to f.ID.
func (a Assigner) Assign(ctx context.Context, f *geojson.Feature, dataset string) (string, error) {
	if id, ok := Normalize(f.ID); ok {
		f.ID = id
		return id, nil
	}
	gen := a.Gen
	if gen == nil {
		gen = UUID{}
	}
	id, err := gen.Next(ctx, dataset)
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	f.ID = id
	return id, nil
}

// FeatureKey returns the primary sort key for a feature id.
func FeatureKey(id string) string { return TagID + id }

// CellKey returns the spatial sort key for a quadkey.
func CellKey(quadkey string) string { return TagCell + quadkey }

// MetadataKey returns the sort key of a dataset's summary record.
func MetadataKey(dataset string) string { return TagMetadata + dataset }

// SplitKey splits a sort key on the first separator only, so ids that
// contain "!" survive intact.
func SplitKey(key string) (tag, value string) {
	before, after, found := strings.Cut(key, Separator)
	if !found {
		return "", key
	}
	return before + Separator, after
}
