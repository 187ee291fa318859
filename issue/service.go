package issue

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/scripworks/scrip/journal"
	"github.com/scripworks/scrip/wire"
)

// grantOp pairs a request with the channel its decided reply is released on.
// The channel is buffered and receives exactly one reply, or is closed
// without one if the engine fails before the request's commit point.
type grantOp struct {
	req   wire.GrantRequest
	reply chan wire.GrantReply
}

// Service is the issuance engine. Requests are queued from connection
// readers onto |ops| and decided by a single loop which owns the Ledger
// and journal Writer outright.
type Service struct {
	ledger *Ledger
	writer *journal.Writer
	ops    chan grantOp

	// batchLimit bounds how many queued requests are decided under a single
	// journal sync. The sync is the commit point of every accepted request
	// in the batch, so batching amortizes its cost without weakening
	// durability.
	batchLimit int
}

// Config of a Service.
type Config struct {
	// Classes maps each share class tag to its authorized share total.
	Classes map[string]uint64
	// Journal is the path of the append-only grant log.
	Journal string
	// QueueDepth bounds requests waiting on the decision loop. Default 1024.
	QueueDepth int
	// BatchLimit bounds grants per journal sync. Default 256.
	BatchLimit int
}

// NewService recovers engine state from the journal and readies a Service.
// Replay failures, including a corrupt interior record or a journal which
// contradicts the configured authorizations, are returned as errors and
// must abort startup.
func NewService(cfg Config) (*Service, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 256
	}

	var ledger, err = NewLedger(cfg.Classes)
	if err != nil {
		return nil, err
	}
	if err = journal.Replay(cfg.Journal, ledger.restore); err != nil {
		return nil, fmt.Errorf("recovering journal: %w", err)
	}
	if err = ledger.verify(); err != nil {
		return nil, fmt.Errorf("verifying recovered state: %w", err)
	}

	writer, err := journal.Open(cfg.Journal)
	if err != nil {
		return nil, err
	}

	for _, status := range ledger.Status() {
		log.WithFields(log.Fields{
			"class":      status.Class,
			"authorized": status.Authorized,
			"issued":     status.Issued,
			"nextCert":   status.NextCert,
		}).Info("recovered share class")
	}

	return &Service{
		ledger:     ledger,
		writer:     writer,
		ops:        make(chan grantOp, cfg.QueueDepth),
		batchLimit: cfg.BatchLimit,
	}, nil
}

// Status snapshots recovered class inventory. Call before QueueTasks.
func (s *Service) Status() []ClassStatus { return s.ledger.Status() }

// QueueTasks queues the decision loop which serializes all grants.
func (s *Service) QueueTasks(tasks *task.Group) {
	tasks.Queue("issue.decisionLoop", func() error {
		defer s.writer.Close()
		return s.decisionLoop(tasks.Context())
	})
}

// decisionLoop drains queued requests in batches. Each batch is decided
// against the Ledger, accepted records are staged to the journal, and one
// sync commits them all before any reply of the batch is released.
//
// A journal fault is never recovered in-process: pending replies are
// abandoned (closing their connections) and the loop exits with the error,
// because in-memory inventory can no longer be trusted against durable truth.
func (s *Service) decisionLoop(ctx context.Context) error {
	var replies []wire.GrantReply

	for {
		var op grantOp
		select {
		case op = <-s.ops:
		case <-ctx.Done():
			// Shutdown: abandon queued requests, none of which reached
			// their commit point.
			for {
				select {
				case op = <-s.ops:
					close(op.reply)
				default:
					return nil
				}
			}
		}

		replies = replies[:0]
		var batch = []grantOp{op}
		for len(batch) < s.batchLimit {
			select {
			case next := <-s.ops:
				batch = append(batch, next)
				continue
			default:
			}
			break
		}

		for _, op := range batch {
			var record, reply = s.ledger.decide(op.req)
			if reply.Status == wire.StatusOK {
				if err := s.writer.Queue(record); err != nil {
					// decide() already screened record fields.
					s.abandon(batch)
					return fmt.Errorf("staging journal record: %w", err)
				}
			}
			replies = append(replies, reply)
		}

		if err := s.writer.Sync(); err != nil {
			s.abandon(batch)
			return fmt.Errorf("committing grant batch: %w", err)
		}
		batchSize.Observe(float64(len(batch)))

		for i, op := range batch {
			grantsTotal.WithLabelValues(op.req.Class, replies[i].Status.String()).Inc()
			op.reply <- replies[i]
		}
	}
}

// abandon closes the reply channels of a failed batch without replies.
// Their connections observe the close and terminate, surfacing the outage
// to front-ends without acknowledging any grant.
func (s *Service) abandon(batch []grantOp) {
	for _, op := range batch {
		close(op.reply)
	}
}

// Grant queues one request and blocks for its decided reply. It's the
// in-process equivalent of one round trip of the wire protocol.
func (s *Service) Grant(ctx context.Context, req wire.GrantRequest) (wire.GrantReply, error) {
	var op = grantOp{req: req, reply: make(chan wire.GrantReply, 1)}

	select {
	case s.ops <- op:
	case <-ctx.Done():
		return wire.GrantReply{}, ctx.Err()
	}
	select {
	case reply, ok := <-op.reply:
		if !ok {
			return wire.GrantReply{}, fmt.Errorf("engine failed before commit point")
		}
		return reply, nil
	case <-ctx.Done():
		return wire.GrantReply{}, ctx.Err()
	}
}
