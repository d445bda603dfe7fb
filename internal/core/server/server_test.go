package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mohammed-shakir/tileindex/internal/core/config"
	"github.com/mohammed-shakir/tileindex/internal/index"
	"github.com/mohammed-shakir/tileindex/internal/metrics"
	"github.com/mohammed-shakir/tileindex/internal/store/boltstore"
)

func TestHandlerServesHealthMetricsAndAPI(t *testing.T) {
	s, err := boltstore.Open(filepath.Join(t.TempDir(), "srv.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx, err := index.New(s, nil, nil, index.Config{}, log)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	prov := metrics.Init(metrics.Config{Enabled: true, Path: "/metrics"})
	h := Handler(config.Config{}, log, idx, prov)

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	if rr := get("/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}
	if rr := get("/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("readyz status=%d body=%s", rr.Code, rr.Body)
	}
	rr := get("/datasets")
	if rr.Code != http.StatusOK || rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("datasets status=%d request id=%q", rr.Code, rr.Header().Get("X-Request-ID"))
	}
	get("/datasets/x/features/missing")

	body := get("/metrics").Body.String()
	if !strings.Contains(body, `route="/datasets/{dataset}/features/{id}"`) {
		t.Fatalf("metrics missing route pattern label:\n%s", body)
	}
}
