package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfiguration marks missing or contradictory settings. It is reported
// before any backend is contacted.
var ErrConfiguration = errors.New("configuration error")

const (
	BackendBolt   = "bolt"
	BackendDynamo = "dynamodb"

	BlobNone  = "none"
	BlobRedis = "redis"
	BlobS3    = "s3"
)

type AWSCfg struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type ChangesCfg struct {
	Enabled   bool
	Brokers   []string
	Topic     string
	GroupID   string
	QueueSize int
}

type Config struct {
	Addr           string
	LogLevel       string
	LogConsole     bool
	LogSampleN     int
	MetricsEnabled bool
	MetricsPath    string
	OpTimeout      time.Duration

	Backend     string
	BoltPath    string
	Table       string
	CreateTable bool
	AWS         AWSCfg

	Blob          string
	Bucket        string
	Prefix        string
	S3PathStyle   bool
	RedisAddr     string
	BlobCacheSize int

	Threshold        int
	IDBlock          int64
	QueryConcurrency int
	PageSize         int
	BlobWorkers      int
	ReadLimit        int

	Changes ChangesCfg
}

func FromEnv() Config {
	return Config{
		Addr:           getenv("ADDR", ":8090"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogConsole:     getbool("LOG_CONSOLE", false),
		LogSampleN:     getint("LOG_SAMPLE_N", 0),
		MetricsEnabled: getbool("METRICS_ENABLED", true),
		MetricsPath:    getenv("METRICS_PATH", "/metrics"),
		OpTimeout:      getduration("TILEINDEX_OP_TIMEOUT", 30*time.Second),

		Backend:     strings.ToLower(getenv("TILEINDEX_BACKEND", BackendBolt)),
		BoltPath:    getenv("TILEINDEX_BOLT_PATH", "tileindex.db"),
		Table:       getenv("TILEINDEX_TABLE", ""),
		CreateTable: getbool("TILEINDEX_CREATE_TABLE", false),
		AWS: AWSCfg{
			Region:          getenv("AWS_REGION", ""),
			Endpoint:        getenv("AWS_ENDPOINT_URL", ""),
			AccessKeyID:     getenv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getenv("AWS_SECRET_ACCESS_KEY", ""),
		},

		Blob:          strings.ToLower(getenv("TILEINDEX_BLOB", BlobNone)),
		Bucket:        getenv("TILEINDEX_BUCKET", ""),
		Prefix:        getenv("TILEINDEX_PREFIX", ""),
		S3PathStyle:   getbool("TILEINDEX_S3_PATH_STYLE", false),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		BlobCacheSize: getint("TILEINDEX_BLOB_CACHE", 256),

		Threshold:        getint("TILEINDEX_THRESHOLD", 10*1024),
		IDBlock:          getint64("TILEINDEX_ID_BLOCK", 0),
		QueryConcurrency: getint("TILEINDEX_QUERY_CONCURRENCY", 100),
		PageSize:         getint("TILEINDEX_PAGE_SIZE", 500),
		BlobWorkers:      getint("TILEINDEX_BLOB_WORKERS", 150),
		ReadLimit:        getint("TILEINDEX_READ_LIMIT", 100),

		Changes: ChangesCfg{
			Enabled:   getbool("CHANGES_ENABLED", false),
			Brokers:   splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:     getenv("KAFKA_TOPIC", "tileindex-changes"),
			GroupID:   getenv("KAFKA_GROUP_ID", "tileindex-watch"),
			QueueSize: getint("CHANGES_QUEUE_SIZE", 1024),
		},
	}
}

// Validate reports every problem at once, each wrapping ErrConfiguration.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...)))
	}

	switch c.Backend {
	case BackendBolt:
		if c.BoltPath == "" {
			bad("bolt backend needs TILEINDEX_BOLT_PATH")
		}
	case BackendDynamo:
		if c.Table == "" {
			bad("dynamodb backend needs TILEINDEX_TABLE")
		}
		if c.AWS.Region == "" {
			bad("dynamodb backend needs AWS_REGION")
		}
	default:
		bad("unknown backend %q (want %s|%s)", c.Backend, BackendBolt, BackendDynamo)
	}

	switch c.Blob {
	case BlobNone:
	case BlobRedis:
		if c.RedisAddr == "" {
			bad("redis blob store needs REDIS_ADDR")
		}
		if c.Bucket == "" {
			bad("redis blob store needs TILEINDEX_BUCKET")
		}
	case BlobS3:
		if c.Bucket == "" {
			bad("s3 blob store needs TILEINDEX_BUCKET")
		}
		if c.AWS.Region == "" {
			bad("s3 blob store needs AWS_REGION")
		}
	default:
		bad("unknown blob store %q (want %s|%s|%s)", c.Blob, BlobNone, BlobRedis, BlobS3)
	}

	for name, v := range map[string]int{
		"TILEINDEX_THRESHOLD":         c.Threshold,
		"TILEINDEX_QUERY_CONCURRENCY": c.QueryConcurrency,
		"TILEINDEX_PAGE_SIZE":         c.PageSize,
		"TILEINDEX_BLOB_WORKERS":      c.BlobWorkers,
		"TILEINDEX_READ_LIMIT":        c.ReadLimit,
	} {
		if v <= 0 {
			bad("%s must be positive, got %d", name, v)
		}
	}
	if c.IDBlock < 0 {
		bad("TILEINDEX_ID_BLOCK must not be negative")
	}
	if c.Changes.Enabled {
		if len(c.Changes.Brokers) == 0 {
			bad("change events need KAFKA_BROKERS")
		}
		if c.Changes.Topic == "" {
			bad("change events need KAFKA_TOPIC")
		}
	}
	return errors.Join(errs...)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
