package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/expense"
	"claimdesk.org/internal/expense/wire"
	"claimdesk.org/internal/feed"
	"claimdesk.org/internal/view"
)

// Client wraps the gRPC expense service.
type Client struct {
	conn *grpc.ClientConn
	svc  wire.ExpenseServiceClient
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, svc: wire.NewExpenseServiceClient(conn)}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) Get(ctx context.Context, id string) (expense.Expense, error) {
	return c.call(ctx, c.svc.Get, map[string]string{"id": id})
}

func (c *Client) Submit(ctx context.Context, id string) (expense.Expense, error) {
	return c.call(ctx, c.svc.Submit, map[string]string{"id": id})
}

func (c *Client) Approve(ctx context.Context, id string) (expense.Expense, error) {
	return c.call(ctx, c.svc.Approve, map[string]string{"id": id})
}

func (c *Client) Reject(ctx context.Context, id, reason string) (expense.Expense, error) {
	return c.call(ctx, c.svc.Reject, map[string]string{"id": id, "reason": reason})
}

func (c *Client) MarkPaid(ctx context.Context, id string) (expense.Expense, error) {
	return c.call(ctx, c.svc.MarkPaid, map[string]string{"id": id})
}

type unaryFunc func(context.Context, *structpb.Struct, ...grpc.CallOption) (*structpb.Struct, error)

func (c *Client) call(ctx context.Context, fn unaryFunc, fields map[string]string) (expense.Expense, error) {
	resp, err := fn(outgoingWithToken(ctx), wire.Request(fields))
	if err != nil {
		return expense.Expense{}, mapError(err)
	}
	var e expense.Expense
	if err := wire.Decode(resp, &e); err != nil {
		return expense.Expense{}, fmt.Errorf("decode expense: %w", err)
	}
	return e, nil
}

// Subscribe streams snapshots for q and calls fn for each until ctx ends, the server closes
// the stream or fn returns an error.
func (c *Client) Subscribe(ctx context.Context, q view.Query, fn func(feed.Snapshot) error) error {
	fields := make(map[string]string)
	for key, vals := range q.Values() {
		if len(vals) > 0 {
			fields[key] = vals[0]
		}
	}
	stream, err := c.svc.Subscribe(outgoingWithToken(ctx), wire.Request(fields))
	if err != nil {
		return mapError(err)
	}
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if status.Code(err) == codes.Canceled && ctx.Err() != nil {
				return nil
			}
			return mapError(err)
		}
		var snap feed.Snapshot
		if err := wire.Decode(msg, &snap); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		if err := fn(snap); err != nil {
			return err
		}
	}
}

// Helpers -----------------------------------------------------------------

func outgoingWithToken(ctx context.Context) context.Context {
	token, ok := auth.TokenFromContext(ctx)
	if !ok {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

// mapError converts gRPC status errors back into the workflow sentinels.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = expense.ErrValidation
	case codes.PermissionDenied, codes.Unauthenticated:
		sentinel = expense.ErrUnauthorized
	case codes.NotFound:
		sentinel = expense.ErrNotFound
	case codes.FailedPrecondition:
		sentinel = expense.ErrStaleState
	case codes.Unavailable:
		// Unavailable is also what the transport reports for a dead server.
		if strings.HasPrefix(st.Message(), expense.ErrAttachmentUpload.Error()) {
			sentinel = expense.ErrAttachmentUpload
		}
	}
	if sentinel == nil {
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
