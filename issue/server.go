package issue

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/scripworks/scrip/wire"
)

// perConnWindow bounds requests in flight on one connection: a reader stalls
// once this many of its replies are outstanding, without affecting other
// connections.
const perConnWindow = 64

// Server accepts engine connections and pumps their requests through the
// Service decision loop, preserving request order within each connection.
type Server struct {
	svc      *Service
	listener net.Listener
}

// NewServer binds the engine listener at |addr|.
func NewServer(svc *Service, addr string) (*Server, error) {
	var listener, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{svc: svc, listener: listener}, nil
}

// Endpoint returns the bound listener address.
func (srv *Server) Endpoint() string { return srv.listener.Addr().String() }

// QueueTasks queues the accept loop, and a watchdog which closes the
// listener to unblock it on group cancellation.
func (srv *Server) QueueTasks(tasks *task.Group) {
	tasks.Queue("issue.acceptLoop", func() error {
		for {
			var conn, err = srv.listener.Accept()
			if err != nil {
				if tasks.Context().Err() != nil {
					return nil // Listener closed by shutdown.
				}
				return err
			}
			connsAcceptedTotal.Inc()
			go srv.serveConn(tasks.Context(), conn)
		}
	})
	tasks.Queue("issue.closeListener", func() error {
		<-tasks.Context().Done()
		return srv.listener.Close()
	})
}

// serveConn reads framed requests until EOF, forwarding each to the decision
// loop. A writer goroutine releases replies strictly in request order.
// Malformed framing is fatal to this connection only.
func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	// Enable TCP keep-alive to ensure broken front-end connections are closed.
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(time.Minute)
	}

	var (
		br      = bufio.NewReader(conn)
		pending = make(chan chan wire.GrantReply, perConnWindow)
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		srv.writeReplies(conn, pending)
	}()
	// Unblock a reader stalled on a quiet connection at shutdown.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	var status = "OK"
	for {
		var req, err = wire.ReadRequest(br)
		if err == io.EOF {
			break // Clean client EOF.
		} else if errors.Is(err, wire.ErrMalformed) {
			// Send a best-effort MALFORMED reply, then drop the connection:
			// framing is lost and the stream can't be resynchronized.
			var replyCh = make(chan wire.GrantReply, 1)
			replyCh <- wire.GrantReply{Status: wire.StatusMalformed}
			select {
			case pending <- replyCh:
			default:
			}
			log.WithFields(log.Fields{"client": conn.RemoteAddr(), "err": err}).
				Warn("closing connection with malformed framing")
			status = "ErrMalformed"
			break
		} else if err != nil {
			status = "ErrRead"
			break
		}

		var op = grantOp{req: req, reply: make(chan wire.GrantReply, 1)}
		select {
		case srv.svc.ops <- op:
		case <-ctx.Done():
			status = "Cancelled"
			goto out
		}
		select {
		case pending <- op.reply:
		case <-ctx.Done():
			status = "Cancelled"
			goto out
		}
	}
out:
	close(pending)
	<-done
	_ = conn.Close()
	connsHandledTotal.WithLabelValues(status).Inc()
}

// writeReplies writes decided replies in the order their requests arrived.
// A reply channel closed without a value means the engine failed before the
// request's commit point; the connection is closed without acknowledgement.
func (srv *Server) writeReplies(conn net.Conn, pending <-chan chan wire.GrantReply) {
	var bw = bufio.NewWriter(conn)

	for replyCh := range pending {
		var reply, ok = <-replyCh
		if !ok {
			_ = conn.Close()
			return
		}
		if err := wire.WriteReply(bw, &reply); err != nil {
			_ = conn.Close()
			return
		}
		// Flush only when no further reply is immediately ready,
		// coalescing writes under load.
		if len(pending) == 0 {
			if err := bw.Flush(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
	_ = bw.Flush()
}
