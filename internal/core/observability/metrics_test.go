package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsHandler_Smoke(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)

	ExposeBuildInfo("test")
	ObserveHTTP("GET", "/datasets/{dataset}/bbox", 200, 0.001)
	ObserveStoreOp("bolt", "get", nil, 0.0002)
	ObserveStoreOp("bolt", "put", errors.New("boom"), 0.0002)
	ObserveBlobOp("redis", "get", nil, 0.0003)
	IncBlobCacheHit()
	ObserveQuery(5, nil, 0.01)
	AddBatchUnprocessed("put", 2)
	AddBatchUnprocessed("put", 0)
	IncChangeEvent("insert", "queued")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`tileindex_build_info{version="test"} 1`,
		`http_requests_total{method="GET",route="/datasets/{dataset}/bbox",status="200"} 1`,
		`tileindex_store_ops_total{backend="bolt",op="put",result="error"} 1`,
		`tileindex_blob_cache_results_total{outcome="hit"} 1`,
		`tileindex_query_subqueries_count 1`,
		`tileindex_batch_unprocessed_total{op="put"} 2`,
		`tileindex_change_events_total{op="insert",result="queued"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics payload missing %q; got:\n%s", want, body)
		}
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, false)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mfs) != 0 {
		t.Fatalf("disabled Init registered %d families", len(mfs))
	}
}
