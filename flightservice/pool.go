package flightservice

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/posthog/arrowquery/session"
)

var sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "arrowquery_flight_sessions",
	Help: "Number of open Flight sessions",
})

// ErrMaxSessions is returned when the pool is full.
var ErrMaxSessions = errors.New("max sessions reached")

// ErrSessionNotFound is returned for unknown or destroyed session tokens.
var ErrSessionNotFound = errors.New("session not found")

// SessionPool manages query sessions keyed by session token.
type SessionPool struct {
	mu          sync.RWMutex
	sessions    map[string]*session.Session
	opts        []session.Option
	startTime   time.Time
	maxSessions int
}

// NewSessionPool creates an empty pool. opts are applied to every session.
func NewSessionPool(maxSessions int, opts ...session.Option) *SessionPool {
	return &SessionPool{
		sessions:    make(map[string]*session.Session),
		opts:        opts,
		startTime:   time.Now(),
		maxSessions: maxSessions,
	}
}

// CreateSession opens a new empty session and returns its token.
func (p *SessionPool) CreateSession() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxSessions > 0 && len(p.sessions) >= p.maxSessions {
		return "", fmt.Errorf("%w (%d)", ErrMaxSessions, p.maxSessions)
	}

	token := uuid.NewString()
	p.sessions[token] = session.New(p.opts...)
	sessionsGauge.Set(float64(len(p.sessions)))

	slog.Debug("Created session.", "session", token)
	return token, nil
}

// GetSession returns a session by token.
func (p *SessionPool) GetSession(token string) (*session.Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[token]
	return s, ok
}

// DestroySession closes and removes a session.
func (p *SessionPool) DestroySession(token string) error {
	p.mu.Lock()
	s, ok := p.sessions[token]
	if ok {
		delete(p.sessions, token)
		sessionsGauge.Set(float64(len(p.sessions)))
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, token)
	}

	s.Close()
	slog.Debug("Destroyed session.", "session", token)
	return nil
}

// ActiveSessions returns the number of open sessions.
func (p *SessionPool) ActiveSessions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// CloseAll closes every session.
func (p *SessionPool) CloseAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*session.Session)
	sessionsGauge.Set(0)
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
