package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/tileindex/internal/batch"
	"github.com/mohammed-shakir/tileindex/internal/changes"
	"github.com/mohammed-shakir/tileindex/internal/core/config"
	"github.com/mohammed-shakir/tileindex/internal/core/server"
	"github.com/mohammed-shakir/tileindex/internal/index"
	"github.com/mohammed-shakir/tileindex/internal/logger"
	"github.com/mohammed-shakir/tileindex/internal/metrics"
	"github.com/mohammed-shakir/tileindex/internal/query"
)

var Version = "dev"

type VersionFlag string

func (v VersionFlag) Decode(*kong.DecodeContext) error { return nil }
func (v VersionFlag) IsBool() bool                     { return true }
func (v VersionFlag) BeforeApply(app *kong.Kong, vars kong.Vars) error {
	fmt.Fprintln(app.Stdout, vars["version"])
	app.Exit(0)
	return nil
}

// Globals override the matching environment settings when set.
type Globals struct {
	Backend  string      `help:"Store backend." enum:",bolt,dynamodb" default:""`
	DB       string      `help:"Bolt database file." name:"db" placeholder:"<path>"`
	Table    string      `help:"DynamoDB table."`
	Region   string      `help:"AWS region."`
	Blob     string      `help:"Overflow blob store." enum:",none,redis,s3" default:""`
	Bucket   string      `help:"Overflow bucket."`
	LogLevel string      `help:"Log level." enum:",debug,info,warn,error" default:""`
	Version  VersionFlag `help:"Print version information and quit." short:"v"`
}

func (g Globals) apply(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Backend, g.Backend)
	set(&cfg.BoltPath, g.DB)
	set(&cfg.Table, g.Table)
	set(&cfg.AWS.Region, g.Region)
	set(&cfg.Blob, g.Blob)
	set(&cfg.Bucket, g.Bucket)
	set(&cfg.LogLevel, g.LogLevel)
}

type CLI struct {
	Globals

	Put      PutCmd      `cmd:"" help:"Store a Feature or FeatureCollection read from a file or stdin."`
	Get      GetCmd      `cmd:"" help:"Print one feature."`
	List     ListCmd     `cmd:"" help:"Print the features of a dataset in id order."`
	BBox     BBoxCmd     `cmd:"" name:"bbox" help:"Print the features overlapping a bounding box."`
	Delete   DeleteCmd   `cmd:"" help:"Delete features by id."`
	Info     InfoCmd     `cmd:"" help:"Print the dataset summary."`
	Datasets DatasetsCmd `cmd:"" help:"Print every dataset name."`
	Drop     DropCmd     `cmd:"" help:"Delete a dataset and all its features."`
	Serve    ServeCmd    `cmd:"" help:"Serve the HTTP API."`
	Watch    WatchCmd    `cmd:"" help:"Print change events from the changes topic."`
}

// env is what every command runs with.
type env struct {
	ctx context.Context
	cfg config.Config
	log *slog.Logger
	out io.Writer
	in  io.Reader
}

func (e *env) withIndex(fn func(*index.Index) error) error {
	d, err := open(e.ctx, e.cfg, e.log)
	if err != nil {
		return err
	}
	err = fn(d.idx)
	return errors.Join(err, d.Close())
}

func (e *env) print(v any) error {
	enc := json.NewEncoder(e.out)
	return enc.Encode(v)
}

type PutCmd struct {
	Dataset string `arg:"" help:"Dataset name."`
	File    string `arg:"" optional:"" default:"-" help:"GeoJSON file, - for stdin."`
}

func (c *PutCmd) Run(e *env) error {
	body, err := readInput(e.in, c.File)
	if err != nil {
		return err
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return fmt.Errorf("parse %s: %w", c.File, err)
	}
	return e.withIndex(func(idx *index.Index) error {
		switch head.Type {
		case "Feature":
			f, err := geojson.UnmarshalFeature(body)
			if err != nil {
				return fmt.Errorf("parse feature: %w", err)
			}
			out, err := idx.Put(e.ctx, c.Dataset, f)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(e.out, out.ID)
			return err
		case "FeatureCollection":
			fc, err := geojson.UnmarshalFeatureCollection(body)
			if err != nil {
				return fmt.Errorf("parse feature collection: %w", err)
			}
			written, err := idx.PutBatch(e.ctx, c.Dataset, fc)
			for _, f := range written.Features {
				fmt.Fprintln(e.out, f.ID)
			}
			return err
		default:
			return fmt.Errorf("unsupported GeoJSON type %q", head.Type)
		}
	})
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return b, nil
}

type GetCmd struct {
	Dataset string `arg:""`
	ID      string `arg:""`
}

func (c *GetCmd) Run(e *env) error {
	return e.withIndex(func(idx *index.Index) error {
		f, err := idx.Get(e.ctx, c.Dataset, c.ID)
		if err != nil {
			return fmt.Errorf("get %s/%s: %w", c.Dataset, c.ID, err)
		}
		return e.print(f)
	})
}

type ListCmd struct {
	Dataset string `arg:""`
	Start   string `help:"Resume after this id."`
	Limit   int    `help:"Maximum features to print; 0 prints all."`
	NDJSON  bool   `name:"ndjson" help:"Stream one feature per line."`
}

func (c *ListCmd) Run(e *env) error {
	return e.withIndex(func(idx *index.Index) error {
		if c.NDJSON {
			n := 0
			for f, err := range idx.Iter(e.ctx, c.Dataset, c.Start) {
				if err != nil {
					return err
				}
				if err := e.print(f); err != nil {
					return err
				}
				if n++; c.Limit > 0 && n >= c.Limit {
					break
				}
			}
			return nil
		}
		fc, cursor, err := idx.List(e.ctx, c.Dataset, index.ListOptions{Start: c.Start, MaxFeatures: c.Limit})
		if err != nil {
			return err
		}
		if c.Limit > 0 && len(fc.Features) == c.Limit && cursor != "" {
			e.log.Info("more features available", "next_start", cursor)
		}
		return e.print(fc)
	})
}

type BBoxCmd struct {
	Dataset string `arg:""`
	Bound   string `arg:"" help:"west,south,east,north; west may exceed east across the antimeridian."`
}

func (c *BBoxCmd) Run(e *env) error {
	b, err := query.ParseBound(c.Bound)
	if err != nil {
		return err
	}
	return e.withIndex(func(idx *index.Index) error {
		fc, err := idx.BBox(e.ctx, c.Dataset, b)
		if err != nil {
			return err
		}
		return e.print(fc)
	})
}

type DeleteCmd struct {
	Dataset string   `arg:""`
	IDs     []string `arg:"" name:"id"`
}

func (c *DeleteCmd) Run(e *env) error {
	return e.withIndex(func(idx *index.Index) error {
		if len(c.IDs) == 1 {
			if err := idx.Delete(e.ctx, c.Dataset, c.IDs[0]); err != nil {
				return fmt.Errorf("delete %s/%s: %w", c.Dataset, c.IDs[0], err)
			}
			_, err := fmt.Fprintln(e.out, c.IDs[0])
			return err
		}
		removed, err := idx.DeleteBatch(e.ctx, c.Dataset, c.IDs)
		for _, id := range removed {
			fmt.Fprintln(e.out, id)
		}
		return err
	})
}

type InfoCmd struct {
	Dataset   string `arg:""`
	Recompute bool   `help:"Rebuild the summary from the stored features first."`
}

func (c *InfoCmd) Run(e *env) error {
	return e.withIndex(func(idx *index.Index) error {
		if c.Recompute {
			info, err := idx.CalculateInfo(e.ctx, c.Dataset)
			if err != nil {
				return err
			}
			return e.print(info)
		}
		info, ok, err := idx.Info(e.ctx, c.Dataset)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("dataset %q: %w", c.Dataset, index.ErrNotFound)
		}
		return e.print(info)
	})
}

type DatasetsCmd struct{}

func (c *DatasetsCmd) Run(e *env) error {
	return e.withIndex(func(idx *index.Index) error {
		names, err := idx.ListDatasets(e.ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(e.out, n)
		}
		return nil
	})
}

type DropCmd struct {
	Dataset string `arg:""`
}

func (c *DropCmd) Run(e *env) error {
	return e.withIndex(func(idx *index.Index) error {
		return idx.DeleteDataset(e.ctx, c.Dataset)
	})
}

type ServeCmd struct {
	Addr string `help:"Listen address; overrides ADDR."`
}

func (c *ServeCmd) Run(e *env) error {
	if c.Addr != "" {
		e.cfg.Addr = c.Addr
	}
	var prov *metrics.Provider
	if e.cfg.MetricsEnabled {
		prov = metrics.Init(metrics.Config{
			Enabled: true,
			Path:    e.cfg.MetricsPath,
			Build:   metrics.BuildInfo{Version: Version, Revision: os.Getenv("BUILD_REVISION")},
		})
	}
	return e.withIndex(func(idx *index.Index) error {
		e.log.Info("starting tileindex", "addr", e.cfg.Addr, "version", Version,
			"backend", e.cfg.Backend, "blob", e.cfg.Blob, "changes", e.cfg.Changes.Enabled)
		return server.Run(e.ctx, e.cfg, e.log, idx, prov)
	})
}

type WatchCmd struct {
	Dataset string `help:"Only print events for this dataset."`
	Oldest  bool   `help:"Start from the oldest retained event for a new group."`
}

func (c *WatchCmd) Run(e *env) error {
	if err := e.cfg.Validate(); err != nil {
		return err
	}
	if len(e.cfg.Changes.Brokers) == 0 {
		return fmt.Errorf("%w: watch needs KAFKA_BROKERS", config.ErrConfiguration)
	}
	ccfg := changes.DefaultConsumerConfig(e.cfg.Changes.Brokers, e.cfg.Changes.Topic, e.cfg.Changes.GroupID)
	ccfg.InitialOffsetOldest = c.Oldest

	var mu sync.Mutex
	cons := changes.NewConsumer(ccfg, func(_ context.Context, ev changes.Event) error {
		if c.Dataset != "" && ev.Dataset != c.Dataset {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		return e.print(ev)
	}, e.log)
	return cons.Start(e.ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var cli CLI
	exit := -1
	parser, err := kong.New(&cli,
		kong.Name("tileindex"),
		kong.Description("A quadkey index for GeoJSON features on a key-value store."),
		kong.Vars{"version": Version},
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) { exit = code }),
	)
	if err != nil {
		fmt.Fprintf(stderr, "tileindex: %v\n", err)
		return 2
	}
	kctx, err := parser.Parse(args)
	if exit >= 0 {
		return exit
	}
	if err != nil {
		fmt.Fprintf(stderr, "tileindex: %v\n", err)
		return 2
	}

	cfg := config.FromEnv()
	cli.Globals.apply(&cfg)

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "tileindex",
	}, stderr)
	log := logger.NewSlog(&zl)

	e := &env{ctx: ctx, cfg: cfg, log: log, out: stdout, in: stdin}
	if err := kctx.Run(e); err != nil {
		fmt.Fprintf(stderr, "tileindex: %s\n", oneLine(err))
		var pf *batch.PartialFailure
		if errors.As(err, &pf) {
			return 3
		}
		return 1
	}
	return 0
}

func oneLine(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}
