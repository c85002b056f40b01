package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/posthog/arrowquery/flightservice"
	"github.com/posthog/arrowquery/httpapi"
	"github.com/posthog/arrowquery/session"
	"github.com/posthog/arrowquery/telemetry"
)

// env returns the environment variable value or a default
func env(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// tableFlag collects repeated -table name=path arguments.
type tableFlag []tableArg

type tableArg struct {
	Name string
	Path string
}

func (f *tableFlag) String() string {
	parts := make([]string, len(*f))
	for i, t := range *f {
		parts[i] = t.Name + "=" + t.Path
	}
	return strings.Join(parts, ",")
}

func (f *tableFlag) Set(v string) error {
	name, path, ok := strings.Cut(v, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("expected name=path, got %q", v)
	}
	*f = append(*f, tableArg{Name: name, Path: path})
	return nil
}

// commonFlags registers the flags shared by every subcommand.
func commonFlags(fs *flag.FlagSet, cli *configCLIInputs) *string {
	configFile := fs.String("config", env("ARROWQUERY_CONFIG", ""), "Path to YAML config file (env: ARROWQUERY_CONFIG)")
	fs.IntVar(&cli.Threads, "threads", 0, "DuckDB worker threads per query, 0 for DuckDB default (env: ARROWQUERY_THREADS)")
	fs.StringVar(&cli.MemoryLimit, "memory-limit", "", "DuckDB memory limit per query, e.g. 2GB (env: ARROWQUERY_MEMORY_LIMIT)")
	fs.IntVar(&cli.BatchSize, "batch-size", 0, "Rows per result batch (env: ARROWQUERY_BATCH_SIZE)")
	fs.StringVar(&cli.LogLevel, "log-level", "", "debug, info, warn or error (env: ARROWQUERY_LOG_LEVEL)")
	return configFile
}

func usage() {
	fmt.Fprintf(os.Stderr, "arrowquery - run SQL over Arrow IPC tables with DuckDB\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  arrowquery query -table name=path.arrow [-table ...] -sql \"SELECT ...\"\n")
	fmt.Fprintf(os.Stderr, "  arrowquery serve [-flight-addr :8815] [-http-addr :8080]\n\n")
	fmt.Fprintf(os.Stderr, "Environment variables:\n")
	fmt.Fprintf(os.Stderr, "  ARROWQUERY_CONFIG                Path to YAML config file\n")
	fmt.Fprintf(os.Stderr, "  ARROWQUERY_THREADS               DuckDB threads per query\n")
	fmt.Fprintf(os.Stderr, "  ARROWQUERY_MEMORY_LIMIT          DuckDB memory limit per query\n")
	fmt.Fprintf(os.Stderr, "  ARROWQUERY_BATCH_SIZE            Rows per result batch (default: 1024)\n")
	fmt.Fprintf(os.Stderr, "  ARROWQUERY_FLIGHT_ADDR           Flight listen address (default: :8815)\n")
	fmt.Fprintf(os.Stderr, "  ARROWQUERY_MAX_SESSIONS          Flight session limit (default: unlimited)\n")
	fmt.Fprintf(os.Stderr, "  ARROWQUERY_HTTP_ADDR             HTTP API listen address (default: :8080)\n")
	fmt.Fprintf(os.Stderr, "  ARROWQUERY_MAX_UPLOAD_BYTES      HTTP table upload limit (default: 1GiB)\n")
	fmt.Fprintf(os.Stderr, "  ARROWQUERY_PID_FILE              PID file for graceful upgrades\n")
	fmt.Fprintf(os.Stderr, "  ARROWQUERY_LOG_LEVEL             Log level (default: info)\n")
	fmt.Fprintf(os.Stderr, "  ARROWQUERY_OTLP_LOGS_ENDPOINT    OTLP/HTTP log collector host:port\n")
	fmt.Fprintf(os.Stderr, "  ARROWQUERY_OTLP_TRACES_ENDPOINT  OTLP/HTTP trace collector host:port\n")
	fmt.Fprintf(os.Stderr, "\nSend SIGHUP to a running server to upgrade it in place.\n")
	fmt.Fprintf(os.Stderr, "Precedence: CLI flags > environment variables > config file > defaults\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "query":
		err = queryCommand(os.Args[2:], os.Stdout)
	case "serve":
		err = serveCommand(os.Args[2:])
	case "help", "-h", "-help", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("Command failed.", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

// resolve parses fs, loads the optional config file and installs logging and
// tracing. The returned function flushes telemetry.
func resolve(fs *flag.FlagSet, args []string, cli *configCLIInputs, configFile *string) (resolvedConfig, func(), error) {
	if err := fs.Parse(args); err != nil {
		return resolvedConfig{}, nil, err
	}
	cli.Set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) { cli.Set[f.Name] = true })

	var fileCfg *FileConfig
	if *configFile != "" {
		loaded, err := loadConfigFile(*configFile)
		if err != nil {
			return resolvedConfig{}, nil, fmt.Errorf("load config file: %w", err)
		}
		fileCfg = loaded
	}

	var warnings []string
	cfg := resolveEffectiveConfig(fileCfg, *cli, os.Getenv, func(msg string) {
		warnings = append(warnings, msg)
	})

	shutdownLogs := telemetry.InitLogging(telemetry.LogConfig{
		Level:        cfg.LogLevel,
		OTLPEndpoint: cfg.OTLPLogsEndpoint,
	})
	shutdownTraces := telemetry.InitTracing(context.Background(), cfg.OTLPTracesEndpoint)

	if *configFile != "" {
		slog.Info("Loaded configuration.", "path", *configFile)
	}
	for _, w := range warnings {
		slog.Warn(w)
	}

	return cfg, func() {
		shutdownTraces()
		shutdownLogs()
	}, nil
}

func queryCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	var cli configCLIInputs
	configFile := commonFlags(fs, &cli)
	var tables tableFlag
	fs.Var(&tables, "table", "Arrow IPC stream file to register, as name=path (repeatable)")
	sql := fs.String("sql", "", "SQL to run")

	cfg, shutdown, err := resolve(fs, args, &cli, configFile)
	if err != nil {
		return err
	}
	defer shutdown()

	if *sql == "" {
		return errors.New("-sql is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := runQuery(ctx, cfg, tables, *sql)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, out)
	return err
}

// runQuery loads every table file into a fresh session and runs sql.
func runQuery(ctx context.Context, cfg resolvedConfig, tables []tableArg, sql string) (string, error) {
	s := session.New(session.WithEngineConfig(cfg.Engine))
	defer s.Close()

	for _, t := range tables {
		data, err := os.ReadFile(t.Path)
		if err != nil {
			return "", fmt.Errorf("read table %q: %w", t.Name, err)
		}
		if err := s.AddTable(data, t.Name); err != nil {
			return "", err
		}
		slog.Debug("Loaded table.", "table", t.Name, "path", t.Path, "bytes", len(data))
	}

	return s.Query(ctx, sql)
}

func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var cli configCLIInputs
	configFile := commonFlags(fs, &cli)
	fs.StringVar(&cli.FlightAddr, "flight-addr", "", "Flight listen address (env: ARROWQUERY_FLIGHT_ADDR)")
	fs.IntVar(&cli.MaxSessions, "max-sessions", 0, "Maximum concurrent Flight sessions, 0 for unlimited (env: ARROWQUERY_MAX_SESSIONS)")
	fs.StringVar(&cli.HTTPAddr, "http-addr", "", "HTTP API and /metrics listen address (env: ARROWQUERY_HTTP_ADDR)")
	fs.StringVar(&cli.PIDFile, "pid-file", "", "PID file rewritten on every upgrade (env: ARROWQUERY_PID_FILE)")

	cfg, shutdown, err := resolve(fs, args, &cli, configFile)
	if err != nil {
		return err
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runServe(ctx, cfg)
}

// runServe runs the Flight service and the HTTP API until ctx is cancelled,
// either server fails, or a SIGHUP-triggered upgrade hands the listeners to a
// new process.
func runServe(ctx context.Context, cfg resolvedConfig) error {
	upg, err := tableflip.New(tableflip.Options{PIDFile: cfg.PIDFile})
	if err != nil {
		return fmt.Errorf("create upgrader: %w", err)
	}
	defer upg.Stop()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGHUP)
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				slog.Info("Received SIGHUP, upgrading binary.")
				if err := upg.Upgrade(); err != nil {
					slog.Error("Upgrade failed.", "error", err)
				}
			}
		}
	}()

	svc := flightservice.New(cfg.Flight)
	flightLn, err := svc.ListenWith(upg.Listen, !upg.HasParent())
	if err != nil {
		return err
	}
	httpLn, err := upg.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
	}

	gin.SetMode(gin.ReleaseMode)
	httpSrv := &http.Server{
		Handler:           httpapi.NewHandler(svc.Pool(), cfg.MaxUploadBytes).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Serve(flightLn)
	})
	g.Go(func() error {
		slog.Info("Starting HTTP API.", "addr", httpLn.Addr().String())
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-upg.Exit():
			slog.Info("Upgrade complete, handing over to the new process.")
		}
		slog.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		svc.Shutdown()
		return err
	})

	if err := upg.Ready(); err != nil {
		return fmt.Errorf("signal ready: %w", err)
	}
	return g.Wait()
}
