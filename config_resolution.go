package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/posthog/arrowquery/engine"
	"github.com/posthog/arrowquery/flightservice"
	"github.com/posthog/arrowquery/httpapi"
	"github.com/posthog/arrowquery/telemetry"
)

const defaultHTTPAddr = ":8080"

// FileConfig represents the YAML configuration file structure
type FileConfig struct {
	PIDFile string            `yaml:"pid_file"`
	Engine  EngineFileConfig  `yaml:"engine"`
	Flight  FlightFileConfig  `yaml:"flight"`
	HTTP    HTTPFileConfig    `yaml:"http"`
	Log     LogFileConfig     `yaml:"log"`
	Tracing TracingFileConfig `yaml:"tracing"`
}

type EngineFileConfig struct {
	Threads     int    `yaml:"threads"`
	MemoryLimit string `yaml:"memory_limit"` // e.g., "2GB"
	BatchSize   int    `yaml:"batch_size"`
}

type FlightFileConfig struct {
	ListenAddr  string `yaml:"listen_addr"` // e.g., ":8815" or "unix:///run/arrowquery.sock"
	MaxSessions int    `yaml:"max_sessions"`
}

type HTTPFileConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type LogFileConfig struct {
	Level        string `yaml:"level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type TracingFileConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// loadConfigFile loads configuration from a YAML file
func loadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

type configCLIInputs struct {
	Set map[string]bool

	Threads     int
	MemoryLimit string
	BatchSize   int
	FlightAddr  string
	MaxSessions int
	HTTPAddr    string
	PIDFile     string
	LogLevel    string
}

type resolvedConfig struct {
	Engine             engine.Config
	Flight             flightservice.ServiceConfig
	HTTPAddr           string
	MaxUploadBytes     int64
	PIDFile            string
	LogLevel           slog.Level
	OTLPLogsEndpoint   string
	OTLPTracesEndpoint string
}

func defaultResolvedConfig() resolvedConfig {
	return resolvedConfig{
		Engine:         engine.DefaultConfig(),
		Flight:         flightservice.ServiceConfig{ListenAddr: flightservice.DefaultListenAddr},
		HTTPAddr:       defaultHTTPAddr,
		MaxUploadBytes: httpapi.DefaultMaxUploadBytes,
		LogLevel:       slog.LevelInfo,
	}
}

// resolveEffectiveConfig merges defaults, the YAML file, environment
// variables and CLI flags, in increasing order of precedence.
func resolveEffectiveConfig(fileCfg *FileConfig, cli configCLIInputs, getenv func(string) string, warn func(string)) resolvedConfig {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if warn == nil {
		warn = func(string) {}
	}
	if cli.Set == nil {
		cli.Set = map[string]bool{}
	}

	cfg := defaultResolvedConfig()
	logLevel := ""

	if fileCfg != nil {
		if fileCfg.PIDFile != "" {
			cfg.PIDFile = fileCfg.PIDFile
		}
		if fileCfg.Engine.Threads != 0 {
			cfg.Engine.Threads = fileCfg.Engine.Threads
		}
		if fileCfg.Engine.MemoryLimit != "" {
			cfg.Engine.MemoryLimit = fileCfg.Engine.MemoryLimit
		}
		if fileCfg.Engine.BatchSize != 0 {
			cfg.Engine.BatchSize = fileCfg.Engine.BatchSize
		}
		if fileCfg.Flight.ListenAddr != "" {
			cfg.Flight.ListenAddr = fileCfg.Flight.ListenAddr
		}
		if fileCfg.Flight.MaxSessions != 0 {
			cfg.Flight.MaxSessions = fileCfg.Flight.MaxSessions
		}
		if fileCfg.HTTP.ListenAddr != "" {
			cfg.HTTPAddr = fileCfg.HTTP.ListenAddr
		}
		if fileCfg.HTTP.MaxUploadBytes != 0 {
			cfg.MaxUploadBytes = fileCfg.HTTP.MaxUploadBytes
		}
		if fileCfg.Log.Level != "" {
			logLevel = fileCfg.Log.Level
		}
		if fileCfg.Log.OTLPEndpoint != "" {
			cfg.OTLPLogsEndpoint = fileCfg.Log.OTLPEndpoint
		}
		if fileCfg.Tracing.OTLPEndpoint != "" {
			cfg.OTLPTracesEndpoint = fileCfg.Tracing.OTLPEndpoint
		}
	}

	if v := getenv("ARROWQUERY_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Threads = n
		} else {
			warn("Invalid ARROWQUERY_THREADS: " + err.Error())
		}
	}
	if v := getenv("ARROWQUERY_MEMORY_LIMIT"); v != "" {
		cfg.Engine.MemoryLimit = v
	}
	if v := getenv("ARROWQUERY_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.BatchSize = n
		} else {
			warn("Invalid ARROWQUERY_BATCH_SIZE: " + err.Error())
		}
	}
	if v := getenv("ARROWQUERY_FLIGHT_ADDR"); v != "" {
		cfg.Flight.ListenAddr = v
	}
	if v := getenv("ARROWQUERY_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Flight.MaxSessions = n
		} else {
			warn("Invalid ARROWQUERY_MAX_SESSIONS: " + err.Error())
		}
	}
	if v := getenv("ARROWQUERY_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := getenv("ARROWQUERY_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		} else {
			warn("Invalid ARROWQUERY_MAX_UPLOAD_BYTES: " + err.Error())
		}
	}
	if v := getenv("ARROWQUERY_PID_FILE"); v != "" {
		cfg.PIDFile = v
	}
	if v := getenv("ARROWQUERY_LOG_LEVEL"); v != "" {
		logLevel = v
	}
	if v := getenv("ARROWQUERY_OTLP_LOGS_ENDPOINT"); v != "" {
		cfg.OTLPLogsEndpoint = v
	}
	if v := getenv("ARROWQUERY_OTLP_TRACES_ENDPOINT"); v != "" {
		cfg.OTLPTracesEndpoint = v
	}

	if cli.Set["threads"] {
		cfg.Engine.Threads = cli.Threads
	}
	if cli.Set["memory-limit"] {
		cfg.Engine.MemoryLimit = cli.MemoryLimit
	}
	if cli.Set["batch-size"] {
		cfg.Engine.BatchSize = cli.BatchSize
	}
	if cli.Set["flight-addr"] {
		cfg.Flight.ListenAddr = cli.FlightAddr
	}
	if cli.Set["max-sessions"] {
		cfg.Flight.MaxSessions = cli.MaxSessions
	}
	if cli.Set["http-addr"] {
		cfg.HTTPAddr = cli.HTTPAddr
	}
	if cli.Set["pid-file"] {
		cfg.PIDFile = cli.PIDFile
	}
	if cli.Set["log-level"] {
		logLevel = cli.LogLevel
	}

	if cfg.Engine.Threads < 0 {
		warn(fmt.Sprintf("Invalid threads %d, using DuckDB default.", cfg.Engine.Threads))
		cfg.Engine.Threads = 0
	}
	if cfg.Engine.BatchSize <= 0 {
		if cfg.Engine.BatchSize < 0 {
			warn(fmt.Sprintf("Invalid batch size %d, using %d.", cfg.Engine.BatchSize, engine.DefaultBatchSize))
		}
		cfg.Engine.BatchSize = engine.DefaultBatchSize
	}
	if cfg.Flight.MaxSessions < 0 {
		warn(fmt.Sprintf("Invalid max sessions %d, using unlimited.", cfg.Flight.MaxSessions))
		cfg.Flight.MaxSessions = 0
	}
	if cfg.MaxUploadBytes <= 0 {
		warn(fmt.Sprintf("Invalid max upload bytes %d, using %d.", cfg.MaxUploadBytes, int64(httpapi.DefaultMaxUploadBytes)))
		cfg.MaxUploadBytes = httpapi.DefaultMaxUploadBytes
	}
	if logLevel != "" {
		cfg.LogLevel = telemetry.ParseLevel(logLevel, slog.LevelInfo)
	}
	cfg.Flight.Engine = cfg.Engine

	return cfg
}
