package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestSlogBridgeCarriesContextFields(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "info", Component: "test"}, &buf)
	log := NewSlog(&zl)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithDataset(ctx, "parks")
	ctx = WithOp(ctx, "bbox")
	log.InfoContext(ctx, "query done", "features", 3, "err", errors.New("none"))

	var ev map[string]any
	if err := json.Unmarshal(buf.Bytes(), &ev); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	for k, want := range map[string]any{
		"request_id": "req-1",
		"dataset":    "parks",
		"op":         "bbox",
		"component":  "test",
		"msg":        "query done",
		"features":   float64(3),
		"err":        "none",
	} {
		if ev[k] != want {
			t.Fatalf("field %s = %v, want %v (event %v)", k, ev[k], want, ev)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "warn"}, &buf)
	log := NewSlog(&zl)

	log.Info("dropped")
	log.Warn("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestGroupPrefixesKeys(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{}, &buf)
	NewSlog(&zl).WithGroup("blob").Info("put", "bytes", 12)
	if !strings.Contains(buf.String(), `"blob.bytes":12`) {
		t.Fatalf("missing grouped key in %q", buf.String())
	}
}
