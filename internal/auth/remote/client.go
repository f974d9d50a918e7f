package remote

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"tokengate.org/internal/auth"
)

var _ auth.RevocationStore = (*Client)(nil)

// Client talks to a remote RevocationService.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial connects to addr. Without extra options the connection is plaintext.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial revocation service: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, timeout: 3 * time.Second}
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) IsRevoked(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out := new(wrapperspb.BoolValue)
	if err := c.conn.Invoke(ctx, isRevokedMethod, wrapperspb.String(token), out); err != nil {
		return false, fromStatus(err)
	}
	return out.GetValue(), nil
}

// Revoke asks the service to revoke token. The service derives the eviction
// time from the token itself, so expiresAt is not sent.
func (c *Client) Revoke(ctx context.Context, token string, _ time.Time) error {
	if token == "" {
		return auth.ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fromStatus(c.conn.Invoke(ctx, revokeMethod, wrapperspb.String(token), new(emptypb.Empty)))
}

// Prune is owned by the server side.
func (c *Client) Prune(context.Context, time.Time) (int, error) { return 0, nil }

func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.InvalidArgument {
		return fmt.Errorf("%w: %s", auth.ErrInvalidInput, status.Convert(err).Message())
	}
	return err
}
