// Package pool maintains a front-end worker's cache of established TCP
// connections to the issuance engine, with checkout / return semantics,
// lazy expansion to a configured maximum, and FIFO queuing of callers once
// the maximum is reached. A cold dial per request would collapse gateway
// throughput; the pool amortizes connection setup across many grants.
package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// ErrBackendUnavailable is returned when a connection cannot be checked out
// before the caller's deadline, or when the pool has shut down. It never
// consumes inventory: the engine was not reached.
var ErrBackendUnavailable = errors.New("issuance engine unavailable")

// Config of a Pool.
type Config struct {
	// Addr of the issuance engine listener.
	Addr string
	// Max live connections (idle plus checked out). Default 64.
	Max int
	// CheckoutTimeout bounds one Checkout, including any dial. Default 5s.
	CheckoutTimeout time.Duration
	// DialTimeout bounds a single dial attempt. Default 1s.
	DialTimeout time.Duration
}

// A Conn is a pooled engine connection. Its bufio pair is reset and reused
// across checkouts.
type Conn struct {
	net.Conn
	BR *bufio.Reader
	BW *bufio.Writer
}

// Pool of engine connections. The zero value is not usable; call New.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	idle    []*Conn      // LIFO: most recently used first.
	waiters []chan *Conn // FIFO: longest-waiting caller first.
	total   int          // Live connections, idle plus checked out.
	closed  bool
}

// New returns a Pool dialing |cfg.Addr|. No connection is established until
// the first Checkout.
func New(cfg Config) *Pool {
	if cfg.Max <= 0 {
		cfg.Max = 64
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = time.Second
	}
	return &Pool{cfg: cfg}
}

// Checkout returns a ready connection: an idle one when available, a fresh
// dial while under the maximum, and otherwise the next return, waiting in
// FIFO order behind earlier callers. Idle connections are probed and broken
// ones transparently replaced. Failure is ErrBackendUnavailable.
func (p *Pool) Checkout(ctx context.Context) (*Conn, error) {
	var ctx2, cancel = context.WithTimeout(ctx, p.cfg.CheckoutTimeout)
	defer cancel()

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool is shut down: %w", ErrBackendUnavailable)
		}

		if n := len(p.idle); n != 0 {
			var conn = p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()

			if conn.alive() {
				checkoutsTotal.WithLabelValues("idle").Inc()
				return conn, nil
			}
			_ = conn.Close()
			discardsTotal.Inc()

			p.mu.Lock()
			p.total--
			continue // Replace it: dial or take another idle conn.
		}

		if p.total < p.cfg.Max {
			p.total++
			p.mu.Unlock()

			var conn, err = p.dial(ctx2)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.wakeLocked(nil) // A capacity slot freed up.
				p.mu.Unlock()
				return nil, fmt.Errorf("dialing engine: %v: %w", err, ErrBackendUnavailable)
			}
			checkoutsTotal.WithLabelValues("dialed").Inc()
			return conn, nil
		}

		// At capacity: wait in FIFO order for a return.
		var w = make(chan *Conn, 1)
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case conn := <-w:
			if conn != nil {
				checkoutsTotal.WithLabelValues("waited").Inc()
				return conn, nil
			}
			// Woken without a connection: capacity freed, or shutdown.
			p.mu.Lock()
			continue

		case <-ctx2.Done():
			p.mu.Lock()
			for i, o := range p.waiters {
				if o == w {
					p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
					break
				}
			}
			p.mu.Unlock()

			// A hand-off may have raced our removal.
			select {
			case conn := <-w:
				if conn != nil {
					checkoutsTotal.WithLabelValues("waited").Inc()
					return conn, nil
				}
			default:
			}
			checkoutsTotal.WithLabelValues("timeout").Inc()
			return nil, fmt.Errorf("checkout wait: %v: %w", ctx2.Err(), ErrBackendUnavailable)
		}
	}
}

// Return a checked-out connection. A healthy connection is handed to the
// longest-waiting caller or shelved idle; an unhealthy one is closed and
// its capacity slot released.
func (p *Pool) Return(conn *Conn, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !healthy || p.closed {
		_ = conn.Close()
		p.total--
		if !healthy {
			discardsTotal.Inc()
		}
		p.wakeLocked(nil)
		return
	}
	if p.wakeLocked(conn) {
		return
	}
	p.idle = append(p.idle, conn)
}

// wakeLocked hands |conn| (which may be nil) to the first waiter, if any.
func (p *Pool) wakeLocked(conn *Conn) bool {
	if len(p.waiters) == 0 {
		return false
	}
	var w = p.waiters[0]
	p.waiters = p.waiters[1:]
	w <- conn
	return true
}

// Close shuts the pool down: idle connections are closed cleanly, waiters
// are woken with failure, and future checkouts fail. Checked-out
// connections are closed as they're returned.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for _, conn := range p.idle {
		_ = conn.Close()
		p.total--
	}
	p.idle = nil
	for _, w := range p.waiters {
		w <- nil
	}
	p.waiters = nil
}

// dial establishes one connection, retrying transient failures with
// exponential backoff until the Checkout deadline.
func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	var dialer = net.Dialer{Timeout: p.cfg.DialTimeout}

	var conn net.Conn
	var err = backoff.Retry(func() error {
		var err error
		if conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr); err != nil {
			log.WithFields(log.Fields{"addr": p.cfg.Addr, "err": err}).
				Debug("engine dial failed; will retry")
		}
		return err
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))

	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(time.Minute)
	}
	return &Conn{
		Conn: conn,
		BR:   bufio.NewReader(conn),
		BW:   bufio.NewWriter(conn),
	}, nil
}

// alive probes an idle connection with a zero-deadline peek. An idle engine
// connection never has readable bytes, so data or EOF both mean it's unusable.
func (c *Conn) alive() bool {
	if c.BR.Buffered() != 0 {
		return false // Stream desynchronized by a prior partial read.
	}
	if err := c.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	var one [1]byte
	var _, err = c.Conn.Read(one[:])

	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		return false // Read data, clean EOF, or a hard error.
	}
	return c.SetReadDeadline(time.Time{}) == nil
}
