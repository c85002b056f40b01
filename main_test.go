package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/posthog/arrowquery/engine"
	"github.com/posthog/arrowquery/flightservice"
	"github.com/posthog/arrowquery/session"
	"github.com/posthog/arrowquery/table"
)

func envFromMap(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func TestResolveEffectiveConfigDefaults(t *testing.T) {
	resolved := resolveEffectiveConfig(nil, configCLIInputs{}, nil, nil)

	if resolved.Engine != engine.DefaultConfig() {
		t.Fatalf("expected default engine config, got %+v", resolved.Engine)
	}
	if resolved.Flight.ListenAddr != flightservice.DefaultListenAddr {
		t.Fatalf("expected default flight addr, got %q", resolved.Flight.ListenAddr)
	}
	if resolved.HTTPAddr != defaultHTTPAddr {
		t.Fatalf("expected default http addr, got %q", resolved.HTTPAddr)
	}
	if resolved.LogLevel != slog.LevelInfo {
		t.Fatalf("expected info log level, got %v", resolved.LogLevel)
	}
}

func TestResolveEffectiveConfigPrecedence(t *testing.T) {
	fileCfg := &FileConfig{
		Engine: EngineFileConfig{Threads: 2, MemoryLimit: "1GB", BatchSize: 100},
		Flight: FlightFileConfig{ListenAddr: ":5000", MaxSessions: 5},
		HTTP:   HTTPFileConfig{ListenAddr: ":5001"},
		Log:    LogFileConfig{Level: "error"},
	}

	env := map[string]string{
		"ARROWQUERY_THREADS":      "4",
		"ARROWQUERY_MEMORY_LIMIT": "2GB",
		"ARROWQUERY_BATCH_SIZE":   "200",
		"ARROWQUERY_FLIGHT_ADDR":  ":6000",
		"ARROWQUERY_MAX_SESSIONS": "6",
		"ARROWQUERY_HTTP_ADDR":    ":6001",
		"ARROWQUERY_LOG_LEVEL":    "warn",
	}

	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{
		Set: map[string]bool{
			"threads":      true,
			"memory-limit": true,
			"batch-size":   true,
			"flight-addr":  true,
			"max-sessions": true,
			"http-addr":    true,
			"log-level":    true,
		},
		Threads:     8,
		MemoryLimit: "3GB",
		BatchSize:   300,
		FlightAddr:  ":7000",
		MaxSessions: 7,
		HTTPAddr:    ":7001",
		LogLevel:    "debug",
	}, envFromMap(env), nil)

	if resolved.Engine.Threads != 8 {
		t.Fatalf("expected CLI threads, got %d", resolved.Engine.Threads)
	}
	if resolved.Engine.MemoryLimit != "3GB" {
		t.Fatalf("expected CLI memory limit, got %q", resolved.Engine.MemoryLimit)
	}
	if resolved.Engine.BatchSize != 300 {
		t.Fatalf("expected CLI batch size, got %d", resolved.Engine.BatchSize)
	}
	if resolved.Flight.ListenAddr != ":7000" {
		t.Fatalf("expected CLI flight addr, got %q", resolved.Flight.ListenAddr)
	}
	if resolved.Flight.MaxSessions != 7 {
		t.Fatalf("expected CLI max sessions, got %d", resolved.Flight.MaxSessions)
	}
	if resolved.HTTPAddr != ":7001" {
		t.Fatalf("expected CLI http addr, got %q", resolved.HTTPAddr)
	}
	if resolved.LogLevel != slog.LevelDebug {
		t.Fatalf("expected CLI log level, got %v", resolved.LogLevel)
	}
	if resolved.Flight.Engine != resolved.Engine {
		t.Fatalf("expected flight engine config to follow engine config, got %+v", resolved.Flight.Engine)
	}
}

func TestResolveEffectiveConfigEnvOverridesFile(t *testing.T) {
	fileCfg := &FileConfig{
		Engine:  EngineFileConfig{Threads: 2, BatchSize: 100},
		Flight:  FlightFileConfig{ListenAddr: ":5000"},
		Log:     LogFileConfig{Level: "error", OTLPEndpoint: "file-collector:4318"},
		Tracing: TracingFileConfig{OTLPEndpoint: "file-collector:4318"},
	}
	env := map[string]string{
		"ARROWQUERY_THREADS":              "4",
		"ARROWQUERY_FLIGHT_ADDR":          "unix:///tmp/aq.sock",
		"ARROWQUERY_LOG_LEVEL":            "debug",
		"ARROWQUERY_OTLP_TRACES_ENDPOINT": "env-collector:4318",
	}

	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{}, envFromMap(env), nil)

	if resolved.Engine.Threads != 4 {
		t.Fatalf("expected env threads, got %d", resolved.Engine.Threads)
	}
	if resolved.Engine.BatchSize != 100 {
		t.Fatalf("expected file batch size, got %d", resolved.Engine.BatchSize)
	}
	if resolved.Flight.ListenAddr != "unix:///tmp/aq.sock" {
		t.Fatalf("expected env flight addr, got %q", resolved.Flight.ListenAddr)
	}
	if resolved.LogLevel != slog.LevelDebug {
		t.Fatalf("expected env log level, got %v", resolved.LogLevel)
	}
	if resolved.OTLPLogsEndpoint != "file-collector:4318" {
		t.Fatalf("expected file logs endpoint, got %q", resolved.OTLPLogsEndpoint)
	}
	if resolved.OTLPTracesEndpoint != "env-collector:4318" {
		t.Fatalf("expected env traces endpoint, got %q", resolved.OTLPTracesEndpoint)
	}
}

func TestResolveEffectiveConfigInvalidEnvValues(t *testing.T) {
	env := map[string]string{
		"ARROWQUERY_THREADS":      "many",
		"ARROWQUERY_BATCH_SIZE":   "-5",
		"ARROWQUERY_MAX_SESSIONS": "lots",
	}
	var warns []string
	resolved := resolveEffectiveConfig(nil, configCLIInputs{}, envFromMap(env), func(msg string) {
		warns = append(warns, msg)
	})

	if resolved.Engine.Threads != 0 {
		t.Fatalf("expected default threads, got %d", resolved.Engine.Threads)
	}
	if resolved.Engine.BatchSize != engine.DefaultBatchSize {
		t.Fatalf("expected default batch size, got %d", resolved.Engine.BatchSize)
	}
	if resolved.Flight.MaxSessions != 0 {
		t.Fatalf("expected unlimited sessions, got %d", resolved.Flight.MaxSessions)
	}

	joined := strings.Join(warns, "\n")
	for _, want := range []string{"ARROWQUERY_THREADS", "ARROWQUERY_MAX_SESSIONS", "Invalid batch size -5"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected warning mentioning %q, got %q", want, joined)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arrowquery.yaml")
	content := `
engine:
  threads: 3
  memory_limit: 512MB
  batch_size: 50
flight:
  listen_addr: "unix:///run/aq.sock"
  max_sessions: 10
http:
  listen_addr: ":9100"
  max_upload_bytes: 1048576
log:
  level: debug
tracing:
  otlp_endpoint: collector:4318
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if cfg.Engine.Threads != 3 || cfg.Engine.MemoryLimit != "512MB" || cfg.Engine.BatchSize != 50 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Flight.ListenAddr != "unix:///run/aq.sock" || cfg.Flight.MaxSessions != 10 {
		t.Errorf("flight = %+v", cfg.Flight)
	}
	if cfg.HTTP.ListenAddr != ":9100" || cfg.HTTP.MaxUploadBytes != 1048576 {
		t.Errorf("http = %+v", cfg.HTTP)
	}
	if cfg.Log.Level != "debug" || cfg.Tracing.OTLPEndpoint != "collector:4318" {
		t.Errorf("log = %+v, tracing = %+v", cfg.Log, cfg.Tracing)
	}
}

func TestLoadConfigFileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("engine: [unterminated"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadConfigFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTableFlag(t *testing.T) {
	var f tableFlag
	if err := f.Set("people=/data/people.arrow"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.Set("orders=/data/orders.arrow"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(f) != 2 || f[0].Name != "people" || f[1].Path != "/data/orders.arrow" {
		t.Fatalf("tables = %+v", f)
	}
	if got := f.String(); got != "people=/data/people.arrow,orders=/data/orders.arrow" {
		t.Errorf("String() = %q", got)
	}

	for _, bad := range []string{"people", "=path", "name="} {
		if err := f.Set(bad); err == nil {
			t.Errorf("Set(%q) should fail", bad)
		}
	}
}

func writeArrowFile(t *testing.T, dir, name string) string {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2, 3}, nil)
	b.Field(1).(*array.StringBuilder).AppendValues([]string{"Alice", "Bob", "Carol"}, nil)
	rec := b.NewRecordBatch()
	defer rec.Release()

	data, err := table.Encode(rec)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestRunQuery(t *testing.T) {
	path := writeArrowFile(t, t.TempDir(), "people.arrow")
	cfg := resolveEffectiveConfig(nil, configCLIInputs{}, nil, nil)

	out, err := runQuery(context.Background(), cfg,
		[]tableArg{{Name: "people", Path: path}},
		"SELECT name FROM people WHERE id >= 2 ORDER BY id")
	if err != nil {
		t.Fatalf("runQuery: %v", err)
	}

	var rows []map[string]any
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	if len(rows) != 2 || rows[0]["name"] != "Bob" || rows[1]["name"] != "Carol" {
		t.Errorf("rows = %v", rows)
	}
}

func TestRunQueryMissingFile(t *testing.T) {
	cfg := resolveEffectiveConfig(nil, configCLIInputs{}, nil, nil)
	_, err := runQuery(context.Background(), cfg,
		[]tableArg{{Name: "people", Path: filepath.Join(t.TempDir(), "missing.arrow")}},
		"SELECT 1")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestRunQueryBadSQL(t *testing.T) {
	cfg := resolveEffectiveConfig(nil, configCLIInputs{}, nil, nil)
	_, err := runQuery(context.Background(), cfg, nil, "SELEC 1")
	var qe *session.QueryError
	if !errors.As(err, &qe) || qe.Kind != session.KindParse {
		t.Fatalf("expected parse QueryError, got %v", err)
	}
}

func TestQueryCommandRequiresSQL(t *testing.T) {
	var out strings.Builder
	err := queryCommand([]string{"-log-level", "error"}, &out)
	if err == nil || !strings.Contains(err.Error(), "-sql") {
		t.Fatalf("expected -sql error, got %v", err)
	}
}

func TestQueryCommandPrintsJSON(t *testing.T) {
	path := writeArrowFile(t, t.TempDir(), "people.arrow")
	var out strings.Builder
	err := queryCommand([]string{
		"-log-level", "error",
		"-table", "people=" + path,
		"-sql", "SELECT count(*) AS n FROM people",
	}, &out)
	if err != nil {
		t.Fatalf("queryCommand: %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal([]byte(out.String()), &rows); err != nil {
		t.Fatalf("unmarshal %q: %v", out.String(), err)
	}
	if len(rows) != 1 || rows[0]["n"] != float64(3) {
		t.Errorf("rows = %v", rows)
	}
}
