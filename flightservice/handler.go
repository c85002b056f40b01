package flightservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/posthog/arrowquery/engine"
	"github.com/posthog/arrowquery/session"
	"github.com/posthog/arrowquery/table"
)

// SessionHeader is the gRPC metadata key carrying the session token.
const SessionHeader = "x-arrowquery-session"

// Action types understood by DoAction.
const (
	ActionCreateSession  = "CreateSession"
	ActionDestroySession = "DestroySession"
	ActionHealthCheck    = "HealthCheck"
	ActionQuery          = "Query"
	ActionListTables     = "ListTables"
)

// Handler serves query sessions over Arrow Flight. Tables are uploaded with
// DoPut and queried with the Query action; results come back as JSON text.
type Handler struct {
	flight.BaseFlightServer
	pool *SessionPool
}

// NewHandler creates a handler backed by pool.
func NewHandler(pool *SessionPool) *Handler {
	return &Handler{pool: pool}
}

// DoAction handles session management and query actions.
func (h *Handler) DoAction(cmd *flight.Action, stream flight.FlightService_DoActionServer) error {
	switch cmd.Type {
	case ActionCreateSession:
		return h.doCreateSession(stream)
	case ActionDestroySession:
		return h.doDestroySession(cmd.Body, stream)
	case ActionHealthCheck:
		return h.doHealthCheck(stream)
	case ActionQuery:
		return h.doQuery(cmd.Body, stream)
	case ActionListTables:
		return h.doListTables(stream)
	default:
		return status.Errorf(codes.Unimplemented, "unknown action type: %s", cmd.Type)
	}
}

// ListActions advertises the supported action types.
func (h *Handler) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	actions := []*flight.ActionType{
		{Type: ActionCreateSession, Description: "Open an empty query session."},
		{Type: ActionDestroySession, Description: "Close a session and drop its tables."},
		{Type: ActionHealthCheck, Description: "Report service health."},
		{Type: ActionQuery, Description: "Run SQL over the session's tables."},
		{Type: ActionListTables, Description: "List the session's tables."},
	}
	for _, a := range actions {
		if err := stream.Send(a); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) doCreateSession(stream flight.FlightService_DoActionServer) error {
	token, err := h.pool.CreateSession()
	if err != nil {
		if errors.Is(err, ErrMaxSessions) {
			return status.Errorf(codes.ResourceExhausted, "create session: %v", err)
		}
		return status.Errorf(codes.Internal, "create session: %v", err)
	}

	resp, _ := json.Marshal(map[string]string{
		"session_token": token,
	})
	return stream.Send(&flight.Result{Body: resp})
}

func (h *Handler) doDestroySession(body []byte, stream flight.FlightService_DoActionServer) error {
	var req struct {
		SessionToken string `json:"session_token"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid DestroySession request: %v", err)
	}
	if req.SessionToken == "" {
		return status.Error(codes.InvalidArgument, "session_token is required")
	}

	if err := h.pool.DestroySession(req.SessionToken); err != nil {
		return status.Errorf(codes.NotFound, "%v", err)
	}

	resp, _ := json.Marshal(map[string]bool{"ok": true})
	return stream.Send(&flight.Result{Body: resp})
}

func (h *Handler) doHealthCheck(stream flight.FlightService_DoActionServer) error {
	resp, _ := json.Marshal(map[string]interface{}{
		"healthy":   true,
		"sessions":  h.pool.ActiveSessions(),
		"uptime_ns": time.Since(h.pool.startTime).Nanoseconds(),
	})
	return stream.Send(&flight.Result{Body: resp})
}

func (h *Handler) doQuery(body []byte, stream flight.FlightService_DoActionServer) error {
	s, err := h.sessionFromContext(stream.Context())
	if err != nil {
		return status.Errorf(codes.Unauthenticated, "%v", err)
	}

	var req struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid Query request: %v", err)
	}

	out, err := s.Query(stream.Context(), req.SQL)
	if err != nil {
		return queryStatus(err)
	}
	return stream.Send(&flight.Result{Body: []byte(out)})
}

func (h *Handler) doListTables(stream flight.FlightService_DoActionServer) error {
	s, err := h.sessionFromContext(stream.Context())
	if err != nil {
		return status.Errorf(codes.Unauthenticated, "%v", err)
	}
	resp, err := json.Marshal(s.Tables())
	if err != nil {
		return status.Errorf(codes.Internal, "encode table list: %v", err)
	}
	return stream.Send(&flight.Result{Body: resp})
}

// queryStatus maps a session query error onto a gRPC status.
func queryStatus(err error) error {
	if errors.Is(err, engine.ErrRuntimeInit) {
		return status.Errorf(codes.Unavailable, "%v", err)
	}
	if errors.Is(err, session.ErrClosed) {
		return status.Errorf(codes.NotFound, "%v", err)
	}
	var qe *session.QueryError
	if errors.As(err, &qe) {
		switch qe.Kind {
		case session.KindParse:
			return status.Errorf(codes.InvalidArgument, "%v", err)
		case session.KindRegistration:
			return status.Errorf(codes.FailedPrecondition, "%v", err)
		}
	}
	return status.Errorf(codes.Internal, "%v", err)
}

// DoPut uploads one table into the caller's session. The descriptor must be a
// PATH descriptor whose single element is the table name. Only the first
// record batch of the stream is kept.
func (h *Handler) DoPut(stream flight.FlightService_DoPutServer) error {
	s, err := h.sessionFromContext(stream.Context())
	if err != nil {
		return status.Errorf(codes.Unauthenticated, "%v", err)
	}

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read arrow stream: %v", err)
	}
	defer rdr.Release()

	name, err := tableName(rdr.LatestFlightDescriptor())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "%v", err)
	}

	if !rdr.Next() {
		if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
			return status.Errorf(codes.InvalidArgument, "read record batch: %v", err)
		}
		return status.Errorf(codes.InvalidArgument, "table %q: %v", name, table.ErrNoRecords)
	}
	if err := s.AddRecord(rdr.RecordBatch(), name); err != nil {
		var de *table.DecodeError
		if errors.As(err, &de) || errors.Is(err, table.ErrEmptyName) {
			return status.Errorf(codes.InvalidArgument, "%v", err)
		}
		return status.Errorf(codes.FailedPrecondition, "%v", err)
	}

	extra := 0
	for rdr.Next() {
		extra++
	}
	if extra > 0 {
		slog.Warn("Uploaded stream has more than one record batch; only the first is kept.",
			"table", name, "dropped_batches", extra)
	}

	return stream.Send(&flight.PutResult{})
}

func tableName(desc *flight.FlightDescriptor) (string, error) {
	if desc == nil {
		return "", fmt.Errorf("missing flight descriptor")
	}
	if desc.Type != flight.DescriptorPATH || len(desc.Path) != 1 || desc.Path[0] == "" {
		return "", fmt.Errorf("descriptor must be a PATH with exactly one table name")
	}
	return desc.Path[0], nil
}

// sessionFromContext extracts the session from gRPC metadata.
// The session token is expected in the "x-arrowquery-session" header.
func (h *Handler) sessionFromContext(ctx context.Context) (*session.Session, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, fmt.Errorf("missing metadata")
	}

	tokens := md.Get(SessionHeader)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("missing %s header", SessionHeader)
	}

	s, ok := h.pool.GetSession(tokens[0])
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}
