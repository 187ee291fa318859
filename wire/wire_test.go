package wire

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Interop vectors: these exact bytes are the protocol contract, and any
// other-language endpoint must produce and accept them.
func TestRequestInteropVector(t *testing.T) {
	var b, err = AppendRequest(nil, &GrantRequest{
		Class:  "CS",
		Amount: 10,
		Holder: "Salt Bae",
	})
	require.NoError(t, err)
	require.Equal(t,
		"00000011"+ // Frame length 17.
			"02"+"4353"+ // Class "CS".
			"0000000a"+ // Amount 10.
			"0008"+"53616c7420426165", // Holder "Salt Bae".
		hex.EncodeToString(b))

	req, err := ReadRequest(bufio.NewReader(bytes.NewReader(b)))
	require.NoError(t, err)
	require.Equal(t, GrantRequest{Class: "CS", Amount: 10, Holder: "Salt Bae"}, req)
}

func TestReplyInteropVectors(t *testing.T) {
	var ok = AppendReply(nil, &GrantReply{Status: StatusOK, Certificate: 32})
	require.Equal(t, "00000009"+"00"+"0000000000000020", hex.EncodeToString(ok))

	var rejected = AppendReply(nil, &GrantReply{Status: StatusInsufficientShares})
	require.Equal(t, "00000001"+"03", hex.EncodeToString(rejected))

	reply, err := ReadReply(bufio.NewReader(bytes.NewReader(ok)))
	require.NoError(t, err)
	require.Equal(t, GrantReply{Status: StatusOK, Certificate: 32}, reply)

	reply, err = ReadReply(bufio.NewReader(bytes.NewReader(rejected)))
	require.NoError(t, err)
	require.Equal(t, GrantReply{Status: StatusInsufficientShares}, reply)
}

func TestRequestRoundTripCases(t *testing.T) {
	var cases = []GrantRequest{
		{Class: "CS", Amount: 1, Holder: "Alice"},
		{Class: "PS", Amount: 1<<32 - 1, Holder: "a holder name with spaces"},
		{Class: strings.Repeat("x", MaxClassLen), Amount: 7, Holder: ""},
		{Class: "CS", Amount: 10, Holder: strings.Repeat("n", MaxHolderLen-1)},
	}
	for _, tc := range cases {
		var b, err = AppendRequest(nil, &tc)
		require.NoError(t, err)

		var out, err2 = ReadRequest(bufio.NewReader(bytes.NewReader(b)))
		require.NoError(t, err2)
		require.Equal(t, tc, out)
	}
}

func TestRequestFieldBounds(t *testing.T) {
	var _, err = AppendRequest(nil, &GrantRequest{Class: "", Amount: 1, Holder: "x"})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = AppendRequest(nil, &GrantRequest{
		Class:  strings.Repeat("c", MaxClassLen+1),
		Amount: 1,
	})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = AppendRequest(nil, &GrantRequest{
		Class:  "CS",
		Amount: 1,
		Holder: strings.Repeat("h", MaxHolderLen),
	})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestFrameErrors(t *testing.T) {
	// Clean EOF at a frame boundary.
	var _, err = ReadFrame(bufio.NewReader(bytes.NewReader(nil)))
	require.Equal(t, io.EOF, err)

	// EOF partway through the length prefix.
	_, err = ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0, 0})))
	require.ErrorIs(t, err, ErrMalformed)

	// Zero-length frame.
	_, err = ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0, 0, 0, 0})))
	require.ErrorIs(t, err, ErrMalformed)

	// Frame length exceeding MaxFrameSize.
	_, err = ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})))
	require.ErrorIs(t, err, ErrMalformed)

	// Truncated payload.
	_, err = ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0, 0, 0, 5, 1, 2})))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestRequestParseErrors(t *testing.T) {
	var cases = [][]byte{
		{},                                   // Empty payload.
		{0},                                  // Zero-length class tag.
		{2, 'C'},                             // Class overruns payload.
		{2, 'C', 'S', 0, 0},                  // Short amount.
		{2, 'C', 'S', 0, 0, 0, 1, 0},         // Short holder length.
		{2, 'C', 'S', 0, 0, 0, 1, 0, 4, 'a'}, // Holder overruns payload.
		{2, 'C', 'S', 0, 0, 0, 1, 0, 1, 'a', 'b'}, // Trailing garbage.
	}
	for _, p := range cases {
		var _, err = ParseRequest(p)
		require.ErrorIs(t, err, ErrMalformed, "payload %x", p)
	}
}

func TestReplyParseErrors(t *testing.T) {
	var cases = [][]byte{
		{},        // Empty payload.
		{0, 0, 0}, // OK reply with short certificate.
		{3, 0},    // Error reply with trailing bytes.
	}
	for _, p := range cases {
		var _, err = ParseReply(p)
		require.ErrorIs(t, err, ErrMalformed, "payload %x", p)
	}
}

func TestStatusErrMapping(t *testing.T) {
	require.NoError(t, StatusOK.Err())
	require.ErrorIs(t, StatusUnknownClass.Err(), ErrUnknownClass)
	require.ErrorIs(t, StatusInvalidAmount.Err(), ErrInvalidAmount)
	require.ErrorIs(t, StatusInsufficientShares.Err(), ErrInsufficientShares)
	require.ErrorIs(t, StatusMalformed.Err(), ErrMalformed)
	require.ErrorIs(t, Status(0x7f).Err(), ErrMalformed)
}
