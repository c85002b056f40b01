package flightservice

import (
	"fmt"
	"net"
	"strings"

	"github.com/posthog/arrowquery/engine"
)

// DefaultListenAddr is used when ServiceConfig.ListenAddr is empty.
const DefaultListenAddr = ":8815"

// ServiceConfig configures the Arrow Flight query service.
type ServiceConfig struct {
	// ListenAddr is the address to listen on.
	// Formats: "unix:///var/run/arrowquery.sock" or ":8815" or "0.0.0.0:8815"
	ListenAddr string

	// MaxSessions limits the number of concurrent sessions. 0 means unlimited.
	MaxSessions int

	// Engine tunes the DuckDB instance opened for each query.
	Engine engine.Config
}

// ParseListenAddr parses ListenAddr into a network and address for net.Listen.
// Supports "unix:///path/to/sock" and TCP addresses like ":8815" or "host:port".
func ParseListenAddr(addr string) (network, listenAddr string, err error) {
	if strings.HasPrefix(addr, "unix://") {
		path := strings.TrimPrefix(addr, "unix://")
		if path == "" {
			return "", "", fmt.Errorf("unix socket path is empty")
		}
		return "unix", path, nil
	}

	if addr == "" {
		return "", "", fmt.Errorf("listen address is empty")
	}

	_, _, err = net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("invalid TCP address %q: %w", addr, err)
	}
	return "tcp", addr, nil
}
