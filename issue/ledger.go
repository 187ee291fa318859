// Package issue implements the scrip issuance engine: the single authority
// over per-class share inventory and certificate numbering. All decisions
// flow through one decision loop, and every accepted grant is durable in the
// journal before its reply is released.
package issue

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scripworks/scrip/journal"
	"github.com/scripworks/scrip/wire"
)

// classState is the engine's in-memory inventory of one share class.
// It's owned exclusively by the decision loop and, during startup,
// by the replaying goroutine.
type classState struct {
	authorized uint64 // Total shares ever issuable. Immutable.
	issued     uint64 // Cumulative shares granted. Invariant: issued <= authorized.
	nextCert   uint64 // Certificate number of the next successful grant.
	grants     uint64 // Count of committed grants, tracked for verification.
}

// Ledger is the full set of configured class inventories.
type Ledger struct {
	classes map[string]*classState
}

// NewLedger initializes a Ledger from configured (class, authorized) pairs.
// Every class starts with nothing issued and certificate number 1.
func NewLedger(authorized map[string]uint64) (*Ledger, error) {
	var l = &Ledger{classes: make(map[string]*classState)}
	for tag, n := range authorized {
		if tag == "" || strings.ContainsAny(tag, " \t\n\r") || len(tag) > wire.MaxClassLen {
			return nil, fmt.Errorf("invalid class tag %q", tag)
		}
		l.classes[tag] = &classState{authorized: n, nextCert: 1}
	}
	if len(l.classes) == 0 {
		return nil, fmt.Errorf("no share classes configured")
	}
	return l, nil
}

// restore applies one replayed journal record.
func (l *Ledger) restore(r journal.Record) error {
	var state, ok = l.classes[r.Class]
	if !ok {
		return fmt.Errorf("journaled grant of un-configured class %q", r.Class)
	}
	state.issued += uint64(r.Amount)
	state.grants++
	if n := r.Certificate + 1; n > state.nextCert {
		state.nextCert = n
	}
	return nil
}

// verify checks post-replay invariants of every class: the certificate
// sequence is dense (next number is the count of grants plus one), and
// issuance doesn't exceed authorization. Failure means the journal and
// configuration disagree, and startup must abort.
func (l *Ledger) verify() error {
	for tag, state := range l.classes {
		if state.nextCert != state.grants+1 {
			return fmt.Errorf("class %q: journal has %d grants but next certificate is %d (gaps or duplicates)",
				tag, state.grants, state.nextCert)
		}
		if state.issued > state.authorized {
			return fmt.Errorf("class %q: journal issues %d of %d authorized shares",
				tag, state.issued, state.authorized)
		}
	}
	return nil
}

// decide evaluates one grant request against current inventory. An accepted
// request mutates inventory and returns the journal record to be committed;
// the caller must not release the reply until that record is durable.
func (l *Ledger) decide(req wire.GrantRequest) (journal.Record, wire.GrantReply) {
	var state, ok = l.classes[req.Class]
	if !ok {
		return journal.Record{}, wire.GrantReply{Status: wire.StatusUnknownClass}
	}
	if req.Amount == 0 {
		return journal.Record{}, wire.GrantReply{Status: wire.StatusInvalidAmount}
	}
	if strings.ContainsAny(req.Holder, "\n\r") {
		return journal.Record{}, wire.GrantReply{Status: wire.StatusMalformed}
	}
	if state.issued+uint64(req.Amount) > state.authorized {
		return journal.Record{}, wire.GrantReply{Status: wire.StatusInsufficientShares}
	}

	var record = journal.Record{
		Class:       req.Class,
		Certificate: state.nextCert,
		Amount:      req.Amount,
		Holder:      req.Holder,
	}
	state.issued += uint64(req.Amount)
	state.nextCert++
	state.grants++

	return record, wire.GrantReply{Status: wire.StatusOK, Certificate: record.Certificate}
}

// ClassStatus is a read-only snapshot of one class, used for startup logging.
type ClassStatus struct {
	Class      string
	Authorized uint64
	Issued     uint64
	NextCert   uint64
}

// Status returns a snapshot of all classes, ordered by tag. It must not be
// called concurrently with the decision loop.
func (l *Ledger) Status() []ClassStatus {
	var out []ClassStatus
	for tag, state := range l.classes {
		out = append(out, ClassStatus{
			Class:      tag,
			Authorized: state.authorized,
			Issued:     state.issued,
			NextCert:   state.nextCert,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}
