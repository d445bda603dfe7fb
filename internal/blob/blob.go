// Package blob defines the overflow store large feature payloads spill into.
// Objects are addressed by URLs of the form scheme://bucket/key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrNotFound = errors.New("blob not found")

// BackendError wraps a failure reported by a concrete blob backend.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

type Store interface {
	Put(ctx context.Context, rawURL string, body []byte) error
	// Get returns ErrNotFound when nothing is stored at rawURL.
	Get(ctx context.Context, rawURL string) ([]byte, error)
	Delete(ctx context.Context, rawURL string) error
}

// Ref is a parsed blob URL.
type Ref struct {
	Scheme string
	Bucket string
	Key    string
}

func (r Ref) String() string {
	return r.Scheme + "://" + r.Bucket + "/" + r.Key
}

// ParseURL splits scheme://bucket/key. The key keeps any further slashes.
func ParseURL(raw string) (Ref, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Ref{}, fmt.Errorf("parse blob url %q: %w", raw, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Scheme == "" || u.Host == "" || key == "" {
		return Ref{}, fmt.Errorf("blob url %q: want scheme://bucket/key", raw)
	}
	return Ref{Scheme: u.Scheme, Bucket: u.Host, Key: key}, nil
}

// Locator says where new overflow objects go.
type Locator struct {
	Scheme string
	Bucket string
	Prefix string
}

// Enabled reports whether overflow writes have somewhere to go.
func (l Locator) Enabled() bool {
	return l.Scheme != "" && l.Bucket != ""
}

// URL joins the prefix and parts into an object URL.
func (l Locator) URL(parts ...string) string {
	elems := make([]string, 0, len(parts)+1)
	if p := strings.Trim(l.Prefix, "/"); p != "" {
		elems = append(elems, p)
	}
	for _, p := range parts {
		elems = append(elems, url.PathEscape(p))
	}
	return Ref{Scheme: l.Scheme, Bucket: l.Bucket, Key: strings.Join(elems, "/")}.String()
}
