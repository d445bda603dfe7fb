package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type checkFunc func(context.Context) error

func (f checkFunc) Ready(ctx context.Context) error { return f(ctx) }

func TestReadiness_Handler(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"ready", nil, http.StatusOK, `"status":"ready"`},
		{"store down", errors.New("dial tcp: refused"), http.StatusServiceUnavailable, `"error":"dial tcp: refused"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var hadDeadline bool
			h := Readiness(checkFunc(func(ctx context.Context) error {
				_, hadDeadline = ctx.Deadline()
				return tc.err
			}), time.Second)

			rr := httptest.NewRecorder()
			h(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rr.Code != tc.status {
				t.Fatalf("status=%d want %d", rr.Code, tc.status)
			}
			if !strings.Contains(rr.Body.String(), tc.body) {
				t.Fatalf("body=%q want %s", rr.Body.String(), tc.body)
			}
			if !hadDeadline {
				t.Fatalf("check ran without a deadline")
			}
		})
	}
}
