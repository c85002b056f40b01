// Package httpapi exposes query sessions over plain HTTP for clients without
// an Arrow Flight stack. Tables are uploaded as Arrow IPC stream bodies and
// query results come back as the same JSON text the Flight service returns.
//
// Routes:
//
//	GET    /health
//	GET    /metrics
//	POST   /v1/sessions
//	DELETE /v1/sessions/:token
//	GET    /v1/sessions/:token/tables
//	PUT    /v1/sessions/:token/tables/:name
//	POST   /v1/sessions/:token/query
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/posthog/arrowquery/engine"
	"github.com/posthog/arrowquery/flightservice"
	"github.com/posthog/arrowquery/session"
	"github.com/posthog/arrowquery/table"
)

// DefaultMaxUploadBytes caps the size of one uploaded IPC stream.
const DefaultMaxUploadBytes = 1 << 30

// Handler serves the session routes backed by a shared session pool.
type Handler struct {
	pool           *flightservice.SessionPool
	startTime      time.Time
	maxUploadBytes int64
}

// NewHandler creates a handler. maxUploadBytes <= 0 means DefaultMaxUploadBytes.
func NewHandler(pool *flightservice.SessionPool, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{pool: pool, startTime: time.Now(), maxUploadBytes: maxUploadBytes}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1/sessions")
	v1.POST("", h.CreateSession)
	v1.DELETE("/:token", h.DestroySession)
	v1.GET("/:token/tables", h.ListTables)
	v1.PUT("/:token/tables/:name", h.UploadTable)
	v1.POST("/:token/query", h.Query)

	return router
}

// QueryRequest is the body of the query route.
type QueryRequest struct {
	SQL string `json:"sql"`
}

// Health reports liveness and the number of open sessions.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"healthy":   true,
		"sessions":  h.pool.ActiveSessions(),
		"uptime_ns": time.Since(h.startTime).Nanoseconds(),
	})
}

// CreateSession opens an empty session.
func (h *Handler) CreateSession(c *gin.Context) {
	token, err := h.pool.CreateSession()
	if err != nil {
		if errors.Is(err, flightservice.ErrMaxSessions) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_token": token})
}

// DestroySession closes a session and drops its tables.
func (h *Handler) DestroySession(c *gin.Context) {
	if err := h.pool.DestroySession(c.Param("token")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListTables returns the session's table descriptions.
func (h *Handler) ListTables(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Tables())
}

// UploadTable decodes the request body as an Arrow IPC stream and registers
// its first batch under :name.
func (h *Handler) UploadTable(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	data, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}

	name := c.Param("name")
	if err := s.AddTable(data, name); err != nil {
		var de *table.DecodeError
		switch {
		case errors.As(err, &de), errors.Is(err, table.ErrEmptyName):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, session.ErrClosed):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	slog.Debug("Uploaded table over HTTP.", "table", name, "bytes", len(data))
	c.JSON(http.StatusCreated, gin.H{"table": name})
}

// Query runs SQL in the session. A successful response body is the JSON
// result text itself.
func (h *Handler) Query(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SQL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sql is required"})
		return
	}

	out, err := s.Query(c.Request.Context(), req.SQL)
	if err != nil {
		c.JSON(queryStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(out))
}

func (h *Handler) session(c *gin.Context) (*session.Session, bool) {
	s, ok := h.pool.GetSession(c.Param("token"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": flightservice.ErrSessionNotFound.Error()})
		return nil, false
	}
	return s, true
}

// queryStatus maps a session query error onto an HTTP status code.
func queryStatus(err error) int {
	if errors.Is(err, engine.ErrRuntimeInit) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, session.ErrClosed) {
		return http.StatusNotFound
	}
	var qe *session.QueryError
	if errors.As(err, &qe) {
		switch qe.Kind {
		case session.KindParse:
			return http.StatusBadRequest
		case session.KindRegistration:
			return http.StatusConflict
		}
	}
	return http.StatusInternalServerError
}
