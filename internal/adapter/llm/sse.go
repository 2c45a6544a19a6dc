package llm

import (
	"bytes"
	"errors"
	"io"
	"iter"

	"llm-playground/internal/domain"
)

// DefaultMaxEventSize bounds how many bytes the decoder buffers while looking
// for an event separator.
const DefaultMaxEventSize = 1 << 20 // 1 MiB

const readChunkSize = 4096

// Decoder splits a server-sent event stream into discrete records. Records may
// span any number of underlying reads and a single read may carry several
// records. A Decoder belongs to one connection and is not restartable.
type Decoder struct {
	r       io.Reader
	buf     []byte
	maxSize int
	eof     bool
	err     error
}

// NewDecoder returns a decoder reading from r. maxEventSize <= 0 selects
// DefaultMaxEventSize.
func NewDecoder(r io.Reader, maxEventSize int) *Decoder {
	if maxEventSize <= 0 {
		maxEventSize = DefaultMaxEventSize
	}
	return &Decoder{r: r, maxSize: maxEventSize}
}

// Next returns the next event record. It returns io.EOF once the stream is
// closed and every buffered record has been delivered, and a *FramingError
// when more than maxEventSize bytes arrive without a separator.
func (d *Decoder) Next() (domain.StreamEvent, error) {
	for {
		if d.err != nil {
			return domain.StreamEvent{}, d.err
		}

		if end, next := findSeparator(d.buf); end >= 0 {
			record := d.buf[:end]
			d.buf = d.buf[next:]
			if ev, ok := parseRecord(record); ok {
				return ev, nil
			}
			continue
		}

		if d.eof {
			// A final record without a trailing blank line still counts.
			record := d.buf
			d.buf = nil
			d.err = io.EOF
			if ev, ok := parseRecord(record); ok {
				return ev, nil
			}
			continue
		}

		if len(d.buf) > d.maxSize {
			d.err = &domain.FramingError{Buffered: len(d.buf), Limit: d.maxSize}
			continue
		}

		if err := d.fill(); err != nil {
			d.err = err
		}
	}
}

// All exposes the remaining records as a lazy sequence. Iteration stops after
// the first error; io.EOF ends the sequence without being yielded.
func (d *Decoder) All() iter.Seq2[domain.StreamEvent, error] {
	return func(yield func(domain.StreamEvent, error) bool) {
		for {
			ev, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// fill performs one read into the buffer. io.EOF is recorded, not returned.
func (d *Decoder) fill() error {
	if cap(d.buf)-len(d.buf) < readChunkSize {
		grown := make([]byte, len(d.buf), 2*cap(d.buf)+readChunkSize)
		copy(grown, d.buf)
		d.buf = grown
	}
	n, err := d.r.Read(d.buf[len(d.buf):cap(d.buf)])
	d.buf = d.buf[:len(d.buf)+n]
	if errors.Is(err, io.EOF) {
		d.eof = true
		return nil
	}
	return err
}

var separators = [][]byte{
	[]byte("\r\n\r\n"),
	[]byte("\n\n"),
	[]byte("\r\r"),
}

// findSeparator returns the end of the first complete record in buf and the
// offset where the next record starts, or -1 when no separator is buffered.
func findSeparator(buf []byte) (end, next int) {
	end = -1
	for _, sep := range separators {
		if i := bytes.Index(buf, sep); i >= 0 && (end < 0 || i < end) {
			end, next = i, i+len(sep)
		}
	}
	return end, next
}

// parseRecord decodes "field: value" lines. Records that carry neither data
// nor an event name (comments, retry hints) are reported as not ok.
func parseRecord(record []byte) (domain.StreamEvent, bool) {
	var ev domain.StreamEvent
	var data [][]byte
	hasData := false

	for len(record) > 0 {
		line, rest := nextLine(record)
		record = rest

		if len(line) == 0 || line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = line[i+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		}

		switch string(field) {
		case "event":
			ev.Event = string(value)
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			ev.ID = string(value)
		}
	}

	ev.Data = string(bytes.Join(data, []byte("\n")))
	return ev, hasData || ev.Event != ""
}

// nextLine splits off the first line of b. CRLF, LF and CR all end a line.
func nextLine(b []byte) (line, rest []byte) {
	i := bytes.IndexAny(b, "\r\n")
	if i < 0 {
		return b, nil
	}
	if b[i] == '\r' && i+1 < len(b) && b[i+1] == '\n' {
		return b[:i], b[i+2:]
	}
	return b[:i], b[i+1:]
}
