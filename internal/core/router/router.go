// Package router maps the feature index onto HTTP.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/tileindex/internal/batch"
	"github.com/mohammed-shakir/tileindex/internal/codec"
	"github.com/mohammed-shakir/tileindex/internal/index"
	mylog "github.com/mohammed-shakir/tileindex/internal/logger"
	"github.com/mohammed-shakir/tileindex/internal/metadata"
	"github.com/mohammed-shakir/tileindex/internal/query"
	"github.com/mohammed-shakir/tileindex/internal/tile"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 64 << 20

// NextStartHeader carries the cursor for the next list page.
const NextStartHeader = "X-Next-Start"

// Service is the part of the index the HTTP API needs.
type Service interface {
	Put(ctx context.Context, dataset string, f *geojson.Feature) (*geojson.Feature, error)
	Get(ctx context.Context, dataset, id string) (*geojson.Feature, error)
	Delete(ctx context.Context, dataset, id string) error
	BBox(ctx context.Context, dataset string, b orb.Bound) (*geojson.FeatureCollection, error)
	List(ctx context.Context, dataset string, opts index.ListOptions) (*geojson.FeatureCollection, string, error)
	PutBatch(ctx context.Context, dataset string, fc *geojson.FeatureCollection) (*geojson.FeatureCollection, error)
	DeleteBatch(ctx context.Context, dataset string, idList []string) ([]string, error)
	Info(ctx context.Context, dataset string) (metadata.Info, bool, error)
	CalculateInfo(ctx context.Context, dataset string) (metadata.Info, error)
	ListDatasets(ctx context.Context) ([]string, error)
	DeleteDataset(ctx context.Context, dataset string) error
}

type api struct {
	svc     Service
	log     *slog.Logger
	timeout time.Duration
}

// Mount registers the dataset and feature routes on r. timeout bounds each
// index operation; zero leaves it to the request context.
func Mount(r chi.Router, svc Service, log *slog.Logger, timeout time.Duration) {
	a := &api{svc: svc, log: log, timeout: timeout}
	r.Get("/datasets", a.listDatasets)
	r.Route("/datasets/{dataset}", func(r chi.Router) {
		r.Get("/", a.info)
		r.Delete("/", a.deleteDataset)
		r.Post("/info", a.recompute)
		r.Get("/features", a.features)
		r.Post("/features", a.putFeatures)
		r.Post("/features/delete", a.deleteFeatures)
		r.Get("/features/{id}", a.getFeature)
		r.Put("/features/{id}", a.putFeature)
		r.Delete("/features/{id}", a.deleteFeature)
	})
}

func (a *api) begin(r *http.Request, op string) (context.Context, context.CancelFunc, string) {
	dataset := chi.URLParam(r, "dataset")
	ctx := mylog.WithOp(mylog.WithDataset(r.Context(), dataset), op)
	if a.timeout > 0 {
		c, cancel := context.WithTimeout(ctx, a.timeout)
		return c, cancel, dataset
	}
	c, cancel := context.WithCancel(ctx)
	return c, cancel, dataset
}

func (a *api) listDatasets(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, _ := a.begin(r, "datasets")
	defer cancel()
	names, err := a.svc.ListDatasets(ctx)
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"datasets": names})
}

func (a *api) info(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, dataset := a.begin(r, "info")
	defer cancel()
	info, ok, err := a.svc.Info(ctx, dataset)
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	if !ok {
		http.Error(w, fmt.Sprintf("dataset %q not found", dataset), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *api) recompute(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, dataset := a.begin(r, "recompute")
	defer cancel()
	info, err := a.svc.CalculateInfo(ctx, dataset)
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *api) deleteDataset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, dataset := a.begin(r, "delete_dataset")
	defer cancel()
	if err := a.svc.DeleteDataset(ctx, dataset); err != nil {
		a.fail(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// features serves bbox queries when ?bbox= is present and pages otherwise.
func (a *api) features(w http.ResponseWriter, r *http.Request) {
	if raw := strings.TrimSpace(r.URL.Query().Get("bbox")); raw != "" {
		a.bbox(w, r, raw)
		return
	}
	ctx, cancel, dataset := a.begin(r, "list")
	defer cancel()

	opts := index.ListOptions{Start: r.URL.Query().Get("start")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", raw), http.StatusBadRequest)
			return
		}
		opts.MaxFeatures = n
	}
	fc, cursor, err := a.svc.List(ctx, dataset, opts)
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	if opts.MaxFeatures > 0 && len(fc.Features) == opts.MaxFeatures && cursor != "" {
		w.Header().Set(NextStartHeader, cursor)
	}
	writeJSON(w, http.StatusOK, fc)
}

func (a *api) bbox(w http.ResponseWriter, r *http.Request, raw string) {
	ctx, cancel, dataset := a.begin(r, "bbox")
	defer cancel()
	b, err := query.ParseBound(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fc, err := a.svc.BBox(ctx, dataset, b)
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

func (a *api) getFeature(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, dataset := a.begin(r, "get")
	defer cancel()
	f, err := a.svc.Get(ctx, dataset, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// putFeature stores the body under the id in the path, whatever id the
// body carries.
func (a *api) putFeature(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, dataset := a.begin(r, "put")
	defer cancel()
	body, err := readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f, err := geojson.UnmarshalFeature(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid feature: %v", err), http.StatusBadRequest)
		return
	}
	f.ID = chi.URLParam(r, "id")
	out, err := a.svc.Put(ctx, dataset, f)
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// putFeatures accepts a single Feature or a FeatureCollection.
func (a *api) putFeatures(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, dataset := a.begin(r, "put_batch")
	defer cancel()
	body, err := readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}

	switch head.Type {
	case "Feature":
		f, err := geojson.UnmarshalFeature(body)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid feature: %v", err), http.StatusBadRequest)
			return
		}
		out, err := a.svc.Put(ctx, dataset, f)
		if err != nil {
			a.fail(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(body)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid feature collection: %v", err), http.StatusBadRequest)
			return
		}
		written, err := a.svc.PutBatch(ctx, dataset, fc)
		if written == nil {
			written = geojson.NewFeatureCollection()
		}
		var pf *batch.PartialFailure
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, putBatchResponse{Written: written})
		case errors.As(err, &pf):
			a.log.WarnContext(ctx, "batch put partially failed", "err", err)
			writeJSON(w, http.StatusMultiStatus, putBatchResponse{
				Written:     written,
				Unprocessed: pf.Unprocessed,
				Errors:      causes(pf.Causes),
			})
		default:
			a.fail(ctx, w, err)
		}
	default:
		http.Error(w, fmt.Sprintf(`unsupported GeoJSON "type": %q (must be Feature or FeatureCollection)`, head.Type), http.StatusBadRequest)
	}
}

type putBatchResponse struct {
	Written     *geojson.FeatureCollection `json:"written"`
	Unprocessed *geojson.FeatureCollection `json:"unprocessed,omitempty"`
	Errors      map[string]string          `json:"errors,omitempty"`
}

type deleteBatchRequest struct {
	IDs []string `json:"ids"`
}

type deleteBatchResponse struct {
	Deleted  []string `json:"deleted"`
	Failed   []string `json:"failed,omitempty"`
	NotFound []string `json:"not_found,omitempty"`
}

func (a *api) deleteFeatures(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, dataset := a.begin(r, "delete_batch")
	defer cancel()
	body, err := readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req deleteBatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	removed, err := a.svc.DeleteBatch(ctx, dataset, req.IDs)
	out := deleteBatchResponse{Deleted: removed}
	if out.Deleted == nil {
		out.Deleted = []string{}
	}
	var pf *batch.PartialFailure
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case errors.As(err, &pf):
		out.NotFound = pf.NotFound
		missing := map[string]bool{}
		for _, id := range pf.NotFound {
			missing[id] = true
		}
		for _, id := range pf.IDs {
			if !missing[id] {
				out.Failed = append(out.Failed, id)
			}
		}
		status := http.StatusOK
		if len(out.Failed) > 0 {
			status = http.StatusMultiStatus
		}
		writeJSON(w, status, out)
	default:
		a.fail(ctx, w, err)
	}
}

func (a *api) deleteFeature(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, dataset := a.begin(r, "delete")
	defer cancel()
	if err := a.svc.Delete(ctx, dataset, chi.URLParam(r, "id")); err != nil {
		a.fail(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// Status maps index errors onto HTTP status codes.
func Status(err error) int {
	switch {
	case errors.Is(err, index.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, codec.ErrUnlocatedFeature), errors.Is(err, tile.ErrUnsupportedGeometry),
		errors.Is(err, query.ErrInvalidBound):
		return http.StatusBadRequest
	case errors.Is(err, batch.ErrPartialFailure):
		return http.StatusMultiStatus
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) fail(ctx context.Context, w http.ResponseWriter, err error) {
	code := Status(err)
	if code >= http.StatusInternalServerError {
		a.log.ErrorContext(ctx, "request failed", "err", err)
	}
	http.Error(w, err.Error(), code)
}

func causes(in map[string]error) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for id, err := range in {
		out[id] = err.Error()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
