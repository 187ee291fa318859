// Package journal implements the engine's append-only grant log.
// Each committed grant is one human-inspectable text line:
//
//	<class_tag> <certificate_number> <amount> <holder_name>\n
//
// The holder name is the final field and may contain spaces. The log is the
// only persisted state of the engine, and replaying it end-to-end rebuilds
// exact class inventory after a restart.
package journal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Record is a single committed grant.
type Record struct {
	Class       string
	Certificate uint64
	Amount      uint32
	Holder      string
}

// ErrCorrupt wraps parse failures of interior journal lines.
// A corrupt journal aborts engine startup: inventory cannot be trusted.
var ErrCorrupt = errors.New("corrupt journal record")

// Validate returns an error if the Record cannot be round-tripped through
// the line format. This is the write boundary at which newline bytes in the
// holder name are forbidden.
func (r Record) Validate() error {
	if r.Class == "" || strings.ContainsAny(r.Class, " \t\n\r") {
		return fmt.Errorf("class tag %q must be non-empty without whitespace", r.Class)
	}
	if r.Certificate == 0 {
		return fmt.Errorf("certificate number must be positive")
	}
	if r.Amount == 0 {
		return fmt.Errorf("amount must be positive")
	}
	if strings.ContainsAny(r.Holder, "\n\r") {
		return fmt.Errorf("holder name %q must not contain newline bytes", r.Holder)
	}
	return nil
}

// appendLine appends the line encoding of |r|, including its newline.
func (r Record) appendLine(b []byte) []byte {
	b = append(b, r.Class...)
	b = append(b, ' ')
	b = strconv.AppendUint(b, r.Certificate, 10)
	b = append(b, ' ')
	b = strconv.AppendUint(b, uint64(r.Amount), 10)
	b = append(b, ' ')
	b = append(b, r.Holder...)
	b = append(b, '\n')
	return b
}

// parseRecord parses one journal line (without its newline). The first three
// space-delimited tokens are class, certificate number, and amount; the
// remainder of the line is the holder name, spaces included.
func parseRecord(line string) (Record, error) {
	var r Record
	var ok bool

	if r.Class, line, ok = strings.Cut(line, " "); !ok || r.Class == "" {
		return r, fmt.Errorf("missing class tag: %w", ErrCorrupt)
	}
	var cert, rest, ok2 = strings.Cut(line, " ")
	if !ok2 {
		return r, fmt.Errorf("missing certificate number: %w", ErrCorrupt)
	}
	var err error
	if r.Certificate, err = strconv.ParseUint(cert, 10, 64); err != nil || r.Certificate == 0 {
		return r, fmt.Errorf("certificate number %q: %w", cert, ErrCorrupt)
	}
	var amount string
	if amount, rest, ok = strings.Cut(rest, " "); !ok {
		return r, fmt.Errorf("missing amount: %w", ErrCorrupt)
	}
	var n uint64
	if n, err = strconv.ParseUint(amount, 10, 32); err != nil || n == 0 {
		return r, fmt.Errorf("amount %q: %w", amount, ErrCorrupt)
	}
	r.Amount = uint32(n)
	r.Holder = rest

	return r, nil
}

// Replay opens the journal at |path|, discards a torn final record if one
// exists, and invokes |fn| for each committed record in log order.
// A missing file is an empty journal. An interior line which fails to parse
// returns ErrCorrupt, and |fn|'s first error aborts the replay.
func Replay(path string, fn func(Record) error) error {
	var f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	if err = truncateTornTail(f, path); err != nil {
		return err
	}

	var br = bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		var line, err = br.ReadString('\n')
		if err == io.EOF && line == "" {
			return nil
		} else if err != nil {
			// truncateTornTail guarantees a trailing newline.
			return fmt.Errorf("reading journal line %d: %w", lineNo, err)
		}

		record, err := parseRecord(strings.TrimSuffix(line, "\n"))
		if err != nil {
			return fmt.Errorf("journal %s line %d: %w", path, lineNo, err)
		}
		if err = fn(record); err != nil {
			return fmt.Errorf("journal %s line %d: %w", path, lineNo, err)
		}
	}
}

// truncateTornTail removes a final record which lacks its newline terminator.
// Such a record was mid-write when the process died, and was never
// acknowledged: the commit point is the sync of the full line.
func truncateTornTail(f *os.File, path string) error {
	var info, err = f.Stat()
	if err != nil {
		return fmt.Errorf("stat of journal: %w", err)
	} else if info.Size() == 0 {
		return nil
	}

	// Read a tail window and look for the last newline.
	var window = int64(64 * 1024)
	for {
		var off = info.Size() - window
		if off < 0 {
			off, window = 0, info.Size()
		}
		var tail = make([]byte, window)
		if _, err = f.ReadAt(tail, off); err != nil {
			return fmt.Errorf("reading journal tail: %w", err)
		}

		if tail[len(tail)-1] == '\n' {
			return nil // Final record is whole.
		}
		if i := bytes.LastIndexByte(tail, '\n'); i >= 0 {
			var keep = off + int64(i) + 1
			log.WithFields(log.Fields{
				"journal": path,
				"size":    info.Size(),
				"keep":    keep,
			}).Warn("discarding torn final journal record")

			if err = f.Truncate(keep); err != nil {
				return fmt.Errorf("truncating torn journal tail: %w", err)
			}
			return f.Sync()
		}
		if off == 0 {
			// No newline anywhere: the whole file is one torn record.
			log.WithField("journal", path).Warn("discarding torn journal (no complete record)")
			if err = f.Truncate(0); err != nil {
				return fmt.Errorf("truncating torn journal: %w", err)
			}
			return f.Sync()
		}
		window *= 2
	}
}

// A Writer appends grant records to the journal file. Records are staged
// with Queue and made durable with Sync, which is the commit point of every
// record staged since the prior Sync. Writer is not safe for concurrent use:
// it's owned by the engine's single decision loop.
type Writer struct {
	file *os.File
	path string
	buf  []byte
}

// Open the journal at |path| for appending. Replay first: Open does not
// inspect existing content.
func Open(path string) (*Writer, error) {
	var f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal for append: %w", err)
	}
	return &Writer{file: f, path: path}, nil
}

// Queue stages |r| for the next Sync.
func (w *Writer) Queue(r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	w.buf = r.appendLine(w.buf)
	return nil
}

// Queued returns the number of bytes staged for the next Sync.
func (w *Writer) Queued() int { return len(w.buf) }

// Sync writes all staged records and syncs the file. On its return every
// staged record is durable. A Sync error means durability of staged records
// is unknown, and the Writer must not be used again.
func (w *Writer) Sync() error {
	if len(w.buf) == 0 {
		return nil
	}
	var started = time.Now()

	if _, err := w.file.Write(w.buf); err != nil {
		return fmt.Errorf("appending to journal: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("syncing journal: %w", err)
	}

	recordsCommittedTotal.Add(float64(bytes.Count(w.buf, []byte{'\n'})))
	bytesCommittedTotal.Add(float64(len(w.buf)))
	syncSeconds.Observe(time.Since(started).Seconds())

	w.buf = w.buf[:0]
	return nil
}

// Close the journal file. Staged but un-synced records are dropped.
func (w *Writer) Close() error {
	if len(w.buf) != 0 {
		log.WithFields(log.Fields{"journal": w.path, "bytes": len(w.buf)}).
			Warn("closing journal with staged, un-synced records")
	}
	return w.file.Close()
}
