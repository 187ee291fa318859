package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/scripworks/scrip/wire"
)

// Client issues grant requests to the engine over pooled connections.
// It's safe for concurrent use by gateway request handlers.
type Client struct {
	pool *Pool
	// ioTimeout bounds one request / reply round trip on a healthy
	// connection. The engine never holds a reply beyond its commit point,
	// so a stall here means a broken backend, not a slow decision.
	ioTimeout time.Duration
}

// NewClient returns a Client over a new Pool of |cfg|.
func NewClient(cfg Config) *Client {
	return &Client{pool: New(cfg), ioTimeout: 30 * time.Second}
}

// Grant requests |amount| shares of |class| for |holder|. On success it
// returns the assigned certificate number. Engine rejections are returned
// as wire sentinel errors (wire.ErrUnknownClass and friends); transport
// failures as ErrBackendUnavailable.
func (c *Client) Grant(ctx context.Context, class, holder string, amount uint32) (uint64, error) {
	var req = wire.GrantRequest{Class: class, Amount: amount, Holder: holder}
	if err := req.Validate(); err != nil {
		return 0, err
	}

	var conn, err = c.pool.Checkout(ctx)
	if err != nil {
		return 0, err
	}

	var reply wire.GrantReply
	reply, err = c.roundTrip(conn, &req)

	// A MALFORMED reply is followed by engine connection close, so the
	// connection can't be reused even though the round trip completed.
	c.pool.Return(conn, err == nil && reply.Status != wire.StatusMalformed)

	if err != nil {
		return 0, fmt.Errorf("engine round trip: %v: %w", err, ErrBackendUnavailable)
	}
	if err = reply.Status.Err(); err != nil {
		return 0, err
	}
	return reply.Certificate, nil
}

func (c *Client) roundTrip(conn *Conn, req *wire.GrantRequest) (wire.GrantReply, error) {
	if err := conn.SetDeadline(time.Now().Add(c.ioTimeout)); err != nil {
		return wire.GrantReply{}, err
	}
	if err := wire.WriteRequest(conn.BW, req); err != nil {
		return wire.GrantReply{}, err
	}
	if err := conn.BW.Flush(); err != nil {
		return wire.GrantReply{}, err
	}
	return wire.ReadReply(conn.BR)
}

// Close shuts down the underlying Pool.
func (c *Client) Close() { c.pool.Close() }
