// Package wire implements the binary grant protocol spoken between the
// scrip gateway and the issuance engine. Each message is a 4-byte big-endian
// length prefix followed by the payload, so the stream is self-delimiting
// and any endpoint language can implement it byte-for-byte.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Status is the single-byte result code of a grant reply.
type Status byte

const (
	StatusOK                 Status = 0x00
	StatusUnknownClass       Status = 0x01
	StatusInvalidAmount      Status = 0x02
	StatusInsufficientShares Status = 0x03
	StatusMalformed          Status = 0x04
)

// Limits of variable-length request fields. Class tags are short labels,
// and holder names are bounded so a frame can never exceed MaxFrameSize.
const (
	MaxClassLen  = 255
	MaxHolderLen = 1 << 16 // 64KiB, exclusive of the 2-byte length itself.

	// MaxFrameSize bounds any legal payload:
	// 1 + MaxClassLen + 4 + 2 + MaxHolderLen - 1.
	MaxFrameSize = 1 + MaxClassLen + 4 + 2 + MaxHolderLen - 1
)

var (
	// ErrMalformed is returned when a frame or payload cannot be parsed.
	// It's fatal to the connection on which it occurred.
	ErrMalformed = errors.New("malformed frame")

	// Errors which correspond to non-OK reply Status codes.
	ErrUnknownClass       = errors.New("unknown share class")
	ErrInvalidAmount      = errors.New("invalid share amount")
	ErrInsufficientShares = errors.New("insufficient authorized shares")
)

// GrantRequest asks the engine to issue |Amount| shares of |Class| to |Holder|.
type GrantRequest struct {
	Class  string
	Amount uint32
	Holder string
}

// GrantReply is the engine's decision. Certificate is set only when
// Status is StatusOK.
type GrantReply struct {
	Status      Status
	Certificate uint64
}

// Validate returns ErrMalformed if the request violates field bounds.
// Business validation (class membership, amount > 0) is the engine's.
func (r *GrantRequest) Validate() error {
	if len(r.Class) == 0 || len(r.Class) > MaxClassLen {
		return fmt.Errorf("class tag of %d bytes: %w", len(r.Class), ErrMalformed)
	}
	if len(r.Holder) >= MaxHolderLen {
		return fmt.Errorf("holder name of %d bytes: %w", len(r.Holder), ErrMalformed)
	}
	return nil
}

// Err maps a reply Status to its sentinel error, or nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusUnknownClass:
		return ErrUnknownClass
	case StatusInvalidAmount:
		return ErrInvalidAmount
	case StatusInsufficientShares:
		return ErrInsufficientShares
	default:
		return ErrMalformed
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusUnknownClass:
		return "UNKNOWN_CLASS"
	case StatusInvalidAmount:
		return "INVALID_AMOUNT"
	case StatusInsufficientShares:
		return "INSUFFICIENT_SHARES"
	case StatusMalformed:
		return "MALFORMED"
	default:
		return fmt.Sprintf("Status(%#02x)", byte(s))
	}
}

// AppendRequest appends the framed encoding of |req| to |b|.
func AppendRequest(b []byte, req *GrantRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return b, err
	}
	var n = 1 + len(req.Class) + 4 + 2 + len(req.Holder)

	b = binary.BigEndian.AppendUint32(b, uint32(n))
	b = append(b, byte(len(req.Class)))
	b = append(b, req.Class...)
	b = binary.BigEndian.AppendUint32(b, req.Amount)
	b = binary.BigEndian.AppendUint16(b, uint16(len(req.Holder)))
	b = append(b, req.Holder...)
	return b, nil
}

// AppendReply appends the framed encoding of |reply| to |b|.
func AppendReply(b []byte, reply *GrantReply) []byte {
	if reply.Status == StatusOK {
		b = binary.BigEndian.AppendUint32(b, 1+8)
		b = append(b, byte(StatusOK))
		b = binary.BigEndian.AppendUint64(b, reply.Certificate)
	} else {
		b = binary.BigEndian.AppendUint32(b, 1)
		b = append(b, byte(reply.Status))
	}
	return b
}

// WriteRequest writes a framed request to |bw|. The caller flushes.
func WriteRequest(bw *bufio.Writer, req *GrantRequest) error {
	var b, err = AppendRequest(nil, req)
	if err != nil {
		return err
	}
	_, err = bw.Write(b)
	return err
}

// WriteReply writes a framed reply to |bw|. The caller flushes.
func WriteReply(bw *bufio.Writer, reply *GrantReply) error {
	var _, err = bw.Write(AppendReply(nil, reply))
	return err
}

// ReadFrame reads the next length-prefixed payload from |br|.
// A clean EOF at a frame boundary is returned as io.EOF; an EOF
// mid-frame is ErrUnexpectedEOF wrapped in ErrMalformed.
func ReadFrame(br *bufio.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(br, prefix[:]); err == io.EOF {
		return nil, io.EOF
	} else if err != nil {
		return nil, fmt.Errorf("reading frame length: %v: %w", err, ErrMalformed)
	}

	var n = binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("frame length %d: %w", n, ErrMalformed)
	}
	var payload = make([]byte, n)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, fmt.Errorf("reading %d-byte frame: %v: %w", n, err, ErrMalformed)
	}
	return payload, nil
}

// ParseRequest parses a request payload (the content of a frame).
func ParseRequest(p []byte) (GrantRequest, error) {
	var req GrantRequest

	if len(p) < 1 {
		return req, fmt.Errorf("empty request payload: %w", ErrMalformed)
	}
	var l1 = int(p[0])
	p = p[1:]

	if l1 == 0 || len(p) < l1 {
		return req, fmt.Errorf("class tag overruns payload: %w", ErrMalformed)
	}
	req.Class, p = string(p[:l1]), p[l1:]

	if len(p) < 4 {
		return req, fmt.Errorf("short amount field: %w", ErrMalformed)
	}
	req.Amount, p = binary.BigEndian.Uint32(p[:4]), p[4:]

	if len(p) < 2 {
		return req, fmt.Errorf("short holder length: %w", ErrMalformed)
	}
	var l3 = int(binary.BigEndian.Uint16(p[:2]))
	p = p[2:]

	if len(p) != l3 {
		return req, fmt.Errorf("holder name of %d bytes with %d remaining: %w", l3, len(p), ErrMalformed)
	}
	req.Holder = string(p)

	return req, nil
}

// ParseReply parses a reply payload (the content of a frame).
func ParseReply(p []byte) (GrantReply, error) {
	var reply GrantReply

	if len(p) < 1 {
		return reply, fmt.Errorf("empty reply payload: %w", ErrMalformed)
	}
	reply.Status = Status(p[0])

	if reply.Status == StatusOK {
		if len(p) != 1+8 {
			return reply, fmt.Errorf("ok reply of %d bytes: %w", len(p), ErrMalformed)
		}
		reply.Certificate = binary.BigEndian.Uint64(p[1:])
	} else if len(p) != 1 {
		return reply, fmt.Errorf("error reply of %d bytes: %w", len(p), ErrMalformed)
	}
	return reply, nil
}

// ReadRequest reads and parses the next request frame from |br|.
func ReadRequest(br *bufio.Reader) (GrantRequest, error) {
	var p, err = ReadFrame(br)
	if err != nil {
		return GrantRequest{}, err
	}
	return ParseRequest(p)
}

// ReadReply reads and parses the next reply frame from |br|.
func ReadReply(br *bufio.Reader) (GrantReply, error) {
	var p, err = ReadFrame(br)
	if err != nil {
		return GrantReply{}, err
	}
	return ParseReply(p)
}
