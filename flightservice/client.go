package flightservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/posthog/arrowquery/session"
)

// Client talks to a Flight query service.
type Client struct {
	fc flight.Client
}

// Dial connects to addr ("host:port" or "unix:///path").
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	dialOpts = append(dialOpts, opts...)

	fc, err := flight.NewClientWithMiddleware(addr, nil, nil, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{fc: fc}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.fc.Close()
}

func withSession(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, SessionHeader, token)
}

// action runs a DoAction call and returns the body of the first result.
func (c *Client) action(ctx context.Context, typ string, body []byte) ([]byte, error) {
	stream, err := c.fc.DoAction(ctx, &flight.Action{Type: typ, Body: body})
	if err != nil {
		return nil, err
	}

	msg, err := stream.Recv()
	if err != nil {
		return nil, err
	}

	// Drain the stream
	for {
		if _, err := stream.Recv(); err != nil {
			break
		}
	}
	return msg.Body, nil
}

// CreateSession opens a session and returns its token.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	body, err := c.action(ctx, ActionCreateSession, nil)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	var resp struct {
		SessionToken string `json:"session_token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("create session unmarshal: %w", err)
	}
	return resp.SessionToken, nil
}

// DestroySession closes a session on the server.
func (c *Client) DestroySession(ctx context.Context, token string) error {
	body, _ := json.Marshal(map[string]string{"session_token": token})
	if _, err := c.action(ctx, ActionDestroySession, body); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

// Health is the HealthCheck action response.
type Health struct {
	Healthy  bool  `json:"healthy"`
	Sessions int   `json:"sessions"`
	UptimeNs int64 `json:"uptime_ns"`
}

// HealthCheck asks the server for its status.
func (c *Client) HealthCheck(ctx context.Context) (Health, error) {
	var h Health
	body, err := c.action(ctx, ActionHealthCheck, nil)
	if err != nil {
		return h, fmt.Errorf("health check: %w", err)
	}
	if err := json.Unmarshal(body, &h); err != nil {
		return h, fmt.Errorf("health check unmarshal: %w", err)
	}
	return h, nil
}

// Query runs sql in the session and returns the JSON result text.
func (c *Client) Query(ctx context.Context, token, sql string) (string, error) {
	req, _ := json.Marshal(map[string]string{"sql": sql})
	body, err := c.action(withSession(ctx, token), ActionQuery, req)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ListTables returns the tables registered in the session.
func (c *Client) ListTables(ctx context.Context, token string) ([]session.TableInfo, error) {
	body, err := c.action(withSession(ctx, token), ActionListTables, nil)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var infos []session.TableInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		return nil, fmt.Errorf("list tables unmarshal: %w", err)
	}
	return infos, nil
}

// UploadTable sends rec to the session under name.
func (c *Client) UploadTable(ctx context.Context, token, name string, rec arrow.RecordBatch) error {
	stream, err := c.fc.DoPut(withSession(ctx, token))
	if err != nil {
		return fmt.Errorf("upload %q: %w", name, err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{name},
	})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %q: write: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %q: close writer: %w", name, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("upload %q: close send: %w", name, err)
	}

	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("upload %q: %w", name, err)
		}
	}
}
