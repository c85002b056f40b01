// Package flightservice exposes query sessions over Arrow Flight.
//
// A client creates a session with the CreateSession action, uploads tables
// with DoPut and runs SQL with the Query action. Every call after
// CreateSession carries the session token in the x-arrowquery-session header.
package flightservice

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/posthog/arrowquery/session"
)

// Service is a standalone Arrow Flight query service.
type Service struct {
	cfg       ServiceConfig
	pool      *SessionPool
	startTime time.Time
	flightSrv flight.Server
}

// New creates a service with the given config.
func New(cfg ServiceConfig) *Service {
	pool := NewSessionPool(cfg.MaxSessions, session.WithEngineConfig(cfg.Engine))

	flightSrv := flight.NewServerWithMiddleware(nil,
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	flightSrv.RegisterFlightService(NewHandler(pool))

	return &Service{
		cfg:       cfg,
		pool:      pool,
		startTime: time.Now(),
		flightSrv: flightSrv,
	}
}

// Listen opens the listener described by cfg.ListenAddr.
func (svc *Service) Listen() (net.Listener, error) {
	return svc.ListenWith(net.Listen, true)
}

// ListenWith opens cfg.ListenAddr through listen, e.g. a process upgrader
// that hands listeners over to its successor. removeStale unlinks a leftover
// unix socket file first.
func (svc *Service) ListenWith(listen func(network, addr string) (net.Listener, error), removeStale bool) (net.Listener, error) {
	addr := svc.cfg.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	network, addr, err := ParseListenAddr(addr)
	if err != nil {
		return nil, err
	}

	// Clean up stale unix socket
	if network == "unix" && removeStale {
		_ = os.Remove(addr)
	}

	listener, err := listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return listener, nil
}

// Serve starts serving on the given listener and blocks until Shutdown.
func (svc *Service) Serve(listener net.Listener) error {
	svc.flightSrv.InitListener(listener)

	slog.Info("Starting Flight query service.", "addr", listener.Addr().String(), "max_sessions", svc.cfg.MaxSessions)
	return svc.flightSrv.Serve()
}

// Shutdown gracefully stops the service and closes every session.
func (svc *Service) Shutdown() {
	svc.flightSrv.Shutdown()
	svc.pool.CloseAll()
	slog.Info("Flight query service stopped.", "uptime", time.Since(svc.startTime).Round(time.Second))
}

// Pool returns the service's session pool.
func (svc *Service) Pool() *SessionPool {
	return svc.pool
}
