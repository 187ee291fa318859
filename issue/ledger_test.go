package issue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scripworks/scrip/journal"
	"github.com/scripworks/scrip/wire"
)

func TestLedgerDecideBoundaries(t *testing.T) {
	var l, err = NewLedger(map[string]uint64{"CS": 5, "PS": 0})
	require.NoError(t, err)

	// Unknown class.
	var _, reply = l.decide(wire.GrantRequest{Class: "XX", Amount: 1, Holder: "x"})
	require.Equal(t, wire.StatusUnknownClass, reply.Status)

	// Zero amount.
	_, reply = l.decide(wire.GrantRequest{Class: "CS", Amount: 0, Holder: "x"})
	require.Equal(t, wire.StatusInvalidAmount, reply.Status)

	// Newline bytes in the holder are rejected before they can reach the journal.
	_, reply = l.decide(wire.GrantRequest{Class: "CS", Amount: 1, Holder: "a\nb"})
	require.Equal(t, wire.StatusMalformed, reply.Status)

	// A zero-authorized class rejects every grant.
	_, reply = l.decide(wire.GrantRequest{Class: "PS", Amount: 1, Holder: "x"})
	require.Equal(t, wire.StatusInsufficientShares, reply.Status)

	// One over the full pool fails and changes nothing.
	_, reply = l.decide(wire.GrantRequest{Class: "CS", Amount: 6, Holder: "x"})
	require.Equal(t, wire.StatusInsufficientShares, reply.Status)
	require.Equal(t, uint64(0), l.classes["CS"].issued)
	require.Equal(t, uint64(1), l.classes["CS"].nextCert)

	// Exactly the full pool succeeds once.
	record, reply := l.decide(wire.GrantRequest{Class: "CS", Amount: 5, Holder: "Alice"})
	require.Equal(t, wire.StatusOK, reply.Status)
	require.Equal(t, uint64(1), reply.Certificate)
	require.Equal(t, journal.Record{Class: "CS", Certificate: 1, Amount: 5, Holder: "Alice"}, record)

	// And then nothing more.
	_, reply = l.decide(wire.GrantRequest{Class: "CS", Amount: 1, Holder: "x"})
	require.Equal(t, wire.StatusInsufficientShares, reply.Status)
}

func TestLedgerCertificateSequencePerClass(t *testing.T) {
	var l, err = NewLedger(map[string]uint64{"CS": 100, "PS": 100})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		var _, reply = l.decide(wire.GrantRequest{Class: "CS", Amount: 1, Holder: "x"})
		require.Equal(t, uint64(i), reply.Certificate)
	}
	// PS numbering is independent of CS.
	var _, reply = l.decide(wire.GrantRequest{Class: "PS", Amount: 1, Holder: "x"})
	require.Equal(t, uint64(1), reply.Certificate)
}

func TestLedgerRestoreAndVerify(t *testing.T) {
	var l, err = NewLedger(map[string]uint64{"CS": 100})
	require.NoError(t, err)

	require.NoError(t, l.restore(journal.Record{Class: "CS", Certificate: 1, Amount: 10, Holder: "a"}))
	require.NoError(t, l.restore(journal.Record{Class: "CS", Certificate: 2, Amount: 20, Holder: "b"}))
	require.NoError(t, l.verify())

	require.Equal(t, []ClassStatus{
		{Class: "CS", Authorized: 100, Issued: 30, NextCert: 3},
	}, l.Status())

	// The next grant continues the sequence.
	var _, reply = l.decide(wire.GrantRequest{Class: "CS", Amount: 1, Holder: "c"})
	require.Equal(t, uint64(3), reply.Certificate)
}

func TestLedgerRestoreOfUnknownClass(t *testing.T) {
	var l, err = NewLedger(map[string]uint64{"CS": 100})
	require.NoError(t, err)
	require.Error(t, l.restore(journal.Record{Class: "XX", Certificate: 1, Amount: 1, Holder: "a"}))
}

func TestLedgerVerifyCatchesGaps(t *testing.T) {
	var l, err = NewLedger(map[string]uint64{"CS": 100})
	require.NoError(t, err)

	// Certificate 2 without certificate 1: a gap.
	require.NoError(t, l.restore(journal.Record{Class: "CS", Certificate: 2, Amount: 1, Holder: "a"}))
	require.Error(t, l.verify())
}

func TestLedgerVerifyCatchesOverIssuance(t *testing.T) {
	var l, err = NewLedger(map[string]uint64{"CS": 5})
	require.NoError(t, err)

	require.NoError(t, l.restore(journal.Record{Class: "CS", Certificate: 1, Amount: 6, Holder: "a"}))
	require.Error(t, l.verify())
}

func TestLedgerConfigurationErrors(t *testing.T) {
	var _, err = NewLedger(nil)
	require.Error(t, err)
	_, err = NewLedger(map[string]uint64{"": 1})
	require.Error(t, err)
	_, err = NewLedger(map[string]uint64{"C S": 1})
	require.Error(t, err)
}
