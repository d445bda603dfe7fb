package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/tileindex/internal/core/observability"
)

func TestProvider_Smoke(t *testing.T) {
	p := Init(Config{Enabled: true, Build: BuildInfo{Version: "test"}})
	observability.ObserveStoreOp("bolt", "query", nil, 0.001)

	req := httptest.NewRequest(http.MethodGet, p.Path(), nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go_goroutines in payload; got:\n%s", body)
	}
	if !strings.Contains(body, `tileindex_store_ops_total{backend="bolt",op="query",result="ok"}`) {
		t.Fatalf("expected store op counter in payload; got:\n%s", body)
	}
}
