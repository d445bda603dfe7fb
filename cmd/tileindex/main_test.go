package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb/geojson"
)

type cli struct {
	t  *testing.T
	db string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	for _, k := range []string{"TILEINDEX_BACKEND", "TILEINDEX_BLOB", "CHANGES_ENABLED", "TILEINDEX_ID_BLOCK", "TILEINDEX_TABLE", "AWS_REGION"} {
		t.Setenv(k, "")
	}
	t.Setenv("LOG_LEVEL", "error")
	return &cli{t: t, db: filepath.Join(t.TempDir(), "cli.db")}
}

func (c *cli) run(stdin string, args ...string) (int, string, string) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	args = append([]string{"--db", c.db}, args...)
	code := run(context.Background(), args, strings.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

const collection = `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"a","geometry":{"type":"Point","coordinates":[1,1]},"properties":{}},
{"type":"Feature","id":"b","geometry":{"type":"Point","coordinates":[2,2]},"properties":{}},
{"type":"Feature","id":"c","geometry":{"type":"Point","coordinates":[179.5,0]},"properties":{}}]}`

func TestCommands(t *testing.T) {
	c := newCLI(t)

	file := filepath.Join(t.TempDir(), "in.geojson")
	if err := os.WriteFile(file, []byte(collection), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if code, out, errOut := c.run("", "put", "places", file); code != 0 || out != "a\nb\nc\n" {
		t.Fatalf("put = %d %q %q", code, out, errOut)
	}

	one := `{"type":"Feature","id":"d","geometry":{"type":"Point","coordinates":[-1,-1]},"properties":{"k":"v"}}`
	if code, out, errOut := c.run(one, "put", "places"); code != 0 || out != "d\n" {
		t.Fatalf("put stdin = %d %q %q", code, out, errOut)
	}

	code, out, _ := c.run("", "get", "places", "d")
	if code != 0 {
		t.Fatalf("get exit %d", code)
	}
	f, err := geojson.UnmarshalFeature([]byte(out))
	if err != nil || f.Properties.MustString("k") != "v" {
		t.Fatalf("get = %q (%v)", out, err)
	}

	_, out, _ = c.run("", "list", "places", "--limit", "2", "--start", "a")
	fc, err := geojson.UnmarshalFeatureCollection([]byte(out))
	if err != nil || len(fc.Features) != 2 {
		t.Fatalf("list = %q (%v)", out, err)
	}

	_, out, _ = c.run("", "list", "places", "--ndjson")
	if n := strings.Count(out, "\n"); n != 4 {
		t.Fatalf("ndjson lines = %d\n%s", n, out)
	}

	_, out, _ = c.run("", "bbox", "places", "179,-1,-179,1")
	fc, err = geojson.UnmarshalFeatureCollection([]byte(out))
	if err != nil || len(fc.Features) != 1 || fmt.Sprint(fc.Features[0].ID) != "c" {
		t.Fatalf("antimeridian bbox = %q (%v)", out, err)
	}

	if code, out, _ := c.run("", "delete", "places", "a", "b"); code != 0 || out != "a\nb\n" {
		t.Fatalf("delete = %d %q", code, out)
	}
	if code, _, errOut := c.run("", "get", "places", "a"); code != 1 || !strings.Contains(errOut, "not found") {
		t.Fatalf("get deleted = %d %q", code, errOut)
	}

	if _, out, _ := c.run("", "info", "places", "--recompute"); !strings.Contains(out, `"count":2`) {
		t.Fatalf("info = %q", out)
	}
	if _, out, _ := c.run("", "datasets"); out != "places\n" {
		t.Fatalf("datasets = %q", out)
	}
	if code, _, _ := c.run("", "drop", "places"); code != 0 {
		t.Fatalf("drop exit %d", code)
	}
	if _, out, _ := c.run("", "datasets"); out != "" {
		t.Fatalf("datasets after drop = %q", out)
	}
}

func TestErrorsAreOneLine(t *testing.T) {
	c := newCLI(t)

	code, _, errOut := c.run("", "bbox", "places", "1,2,3")
	if code != 1 || strings.Count(errOut, "\n") != 1 || !strings.HasPrefix(errOut, "tileindex: ") {
		t.Fatalf("bad bbox = %d %q", code, errOut)
	}

	code, _, errOut = c.run("", "--backend", "dynamodb", "datasets")
	if code != 1 || strings.Count(errOut, "\n") != 1 || !strings.Contains(errOut, "configuration error") {
		t.Fatalf("bad config = %d %q", code, errOut)
	}

	if code, _, _ := c.run("", "frobnicate"); code != 2 {
		t.Fatalf("unknown command exit %d want 2", code)
	}
}

func TestVersionFlag(t *testing.T) {
	c := newCLI(t)
	code, out, _ := c.run("", "--version")
	if code != 0 || strings.TrimSpace(out) != Version {
		t.Fatalf("version = %d %q", code, out)
	}
}
