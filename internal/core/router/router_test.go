package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/tileindex/internal/batch"
	"github.com/mohammed-shakir/tileindex/internal/codec"
	"github.com/mohammed-shakir/tileindex/internal/index"
	"github.com/mohammed-shakir/tileindex/internal/metadata"
	"github.com/mohammed-shakir/tileindex/internal/query"
	"github.com/mohammed-shakir/tileindex/internal/store/boltstore"
	"github.com/mohammed-shakir/tileindex/internal/tile"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := boltstore.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx, err := index.New(s, nil, nil, index.Config{}, log)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	r := chi.NewRouter()
	Mount(r, idx, log, 0)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func point(id string, lon, lat float64) string {
	return fmt.Sprintf(`{"type":"Feature","id":%q,"geometry":{"type":"Point","coordinates":[%v,%v]},"properties":{"name":%q}}`, id, lon, lat, id)
}

func TestFeatureLifecycle(t *testing.T) {
	srv := newServer(t)
	base := srv.URL + "/datasets/places/features/"

	resp, body := do(t, http.MethodPut, base+"a", point("ignored", 10, 20))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status=%d body=%s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, base+"a", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status=%d body=%s", resp.StatusCode, body)
	}
	f, err := geojson.UnmarshalFeature([]byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fmt.Sprint(f.ID) != "a" || f.Properties.MustString("name") != "ignored" {
		t.Fatalf("feature = %v %v", f.ID, f.Properties)
	}

	resp, _ = do(t, http.MethodDelete, base+"a", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status=%d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, base+"a", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET after delete status=%d want 404", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodDelete, base+"a", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second DELETE status=%d want 404", resp.StatusCode)
	}
}

func TestPutRejectsBadInput(t *testing.T) {
	srv := newServer(t)
	url := srv.URL + "/datasets/places/features"

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"wrong type", `{"type":"Point","coordinates":[1,2]}`},
		{"no geometry", `{"type":"Feature","geometry":null,"properties":{}}`},
		{"geometry collection", `{"type":"Feature","geometry":{"type":"GeometryCollection","geometries":[{"type":"Point","coordinates":[1,2]}]},"properties":{}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, url, tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status=%d want 400 body=%s", resp.StatusCode, body)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", index.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: GeometryCollection", tile.ErrUnsupportedGeometry), http.StatusBadRequest},
		{codec.ErrUnlocatedFeature, http.StatusBadRequest},
		{query.ErrInvalidBound, http.StatusBadRequest},
		{&batch.PartialFailure{Op: "put", IDs: []string{"a"}}, http.StatusMultiStatus},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := Status(tc.err); got != tc.want {
			t.Errorf("Status(%v) = %d want %d", tc.err, got, tc.want)
		}
	}
}

func TestBatchListAndBBox(t *testing.T) {
	srv := newServer(t)
	url := srv.URL + "/datasets/places/features"

	fc := `{"type":"FeatureCollection","features":[` +
		point("a", 1, 1) + "," + point("b", 2, 2) + "," + point("c", -120, 40) + "," +
		`{"type":"Feature","id":"bad","geometry":null,"properties":{}}` + `]}`
	resp, body := do(t, http.MethodPost, url, fc)
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("batch status=%d body=%s", resp.StatusCode, body)
	}
	var out struct {
		Written     *geojson.FeatureCollection `json:"written"`
		Unprocessed *geojson.FeatureCollection `json:"unprocessed"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Written.Features) != 3 || len(out.Unprocessed.Features) != 1 {
		t.Fatalf("written=%d unprocessed=%d", len(out.Written.Features), len(out.Unprocessed.Features))
	}

	resp, body = do(t, http.MethodGet, url+"?limit=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status=%d", resp.StatusCode)
	}
	if got := resp.Header.Get(NextStartHeader); got != "b" {
		t.Fatalf("next start=%q want b", got)
	}
	resp, body = do(t, http.MethodGet, url+"?limit=2&start=b", "")
	if got := resp.Header.Get(NextStartHeader); got != "" {
		t.Fatalf("last page next start=%q want empty", got)
	}
	page, err := geojson.UnmarshalFeatureCollection([]byte(body))
	if err != nil || len(page.Features) != 1 || fmt.Sprint(page.Features[0].ID) != "c" {
		t.Fatalf("last page = %s (%v)", body, err)
	}

	_, body = do(t, http.MethodGet, url+"?bbox=0,0,5,5", "")
	hits, err := geojson.UnmarshalFeatureCollection([]byte(body))
	if err != nil || len(hits.Features) != 2 {
		t.Fatalf("bbox hits = %s (%v)", body, err)
	}

	resp, _ = do(t, http.MethodGet, url+"?bbox=0,5,5", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad bbox status=%d want 400", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, url+"?limit=-1", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d want 400", resp.StatusCode)
	}
}

func TestDeleteBatchReportsMissing(t *testing.T) {
	srv := newServer(t)
	url := srv.URL + "/datasets/places/features"
	do(t, http.MethodPut, url+"/a", point("a", 1, 1))

	resp, body := do(t, http.MethodPost, url+"/delete", `{"ids":["a","nope"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var out deleteBatchResponse
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fmt.Sprint(out.Deleted) != "[a]" || fmt.Sprint(out.NotFound) != "[nope]" {
		t.Fatalf("response = %+v", out)
	}
}

func TestDatasetRoutes(t *testing.T) {
	srv := newServer(t)
	do(t, http.MethodPut, srv.URL+"/datasets/alpha/features/a", point("a", 1, 1))
	do(t, http.MethodPut, srv.URL+"/datasets/beta/features/b", point("b", 2, 2))

	_, body := do(t, http.MethodGet, srv.URL+"/datasets", "")
	if strings.TrimSpace(body) != `{"datasets":["alpha","beta"]}` {
		t.Fatalf("datasets = %s", body)
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/datasets/alpha", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info status=%d", resp.StatusCode)
	}
	var info metadata.Info
	if err := json.Unmarshal([]byte(body), &info); err != nil || info.Count != 1 {
		t.Fatalf("info = %s (%v)", body, err)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/datasets/alpha/info", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recompute status=%d body=%s", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodDelete, srv.URL+"/datasets/alpha", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete dataset status=%d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/datasets/alpha", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("info after delete status=%d want 404", resp.StatusCode)
	}
}
