package llm

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-playground/internal/domain"
)

// chunkReader returns one chunk per Read call.
type chunkReader struct {
	chunks []string
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func collectEvents(t *testing.T, d *Decoder) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	for {
		ev, err := d.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestDecoderSplitAcrossThreeReads(t *testing.T) {
	record := "event: content_block_delta\ndata: {\"text\":\"hello\"}\n\n"

	whole := collectEvents(t, NewDecoder(strings.NewReader(record), 0))
	split := collectEvents(t, NewDecoder(&chunkReader{chunks: []string{
		record[:9],
		record[9:30],
		record[30:],
	}}, 0))

	require.Len(t, whole, 1)
	assert.Equal(t, whole, split)
	assert.Equal(t, "content_block_delta", split[0].Event)
	assert.Equal(t, `{"text":"hello"}`, split[0].Data)
}

func TestDecoderOneByteReads(t *testing.T) {
	raw := "data: a\n\ndata: b\n\n"
	events := collectEvents(t, NewDecoder(iotest.OneByteReader(strings.NewReader(raw)), 0))

	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Data)
	assert.Equal(t, "b", events[1].Data)
}

func TestDecoderMultipleEventsAndTrailingPartialInOneRead(t *testing.T) {
	r := &chunkReader{chunks: []string{
		"data: one\n\ndata: two\n\ndata: thr",
		"ee\n\n",
	}}
	events := collectEvents(t, NewDecoder(r, 0))

	require.Len(t, events, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{events[0].Data, events[1].Data, events[2].Data})
}

func TestDecoderLineEndings(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"lf", "event: ping\ndata: x\n\n"},
		{"crlf", "event: ping\r\ndata: x\r\n\r\n"},
		{"cr", "event: ping\rdata: x\r\r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := collectEvents(t, NewDecoder(strings.NewReader(tt.raw), 0))
			require.Len(t, events, 1)
			assert.Equal(t, "ping", events[0].Event)
			assert.Equal(t, "x", events[0].Data)
		})
	}
}

func TestDecoderFieldParsing(t *testing.T) {
	raw := ": keep-alive comment\n\n" +
		"retry: 3000\n\n" +
		"id: 42\nevent: message\ndata: first line\ndata:second line\nfoo: ignored\n\n" +
		"data:  two spaces\n\n" +
		"data\n\n"

	events := collectEvents(t, NewDecoder(strings.NewReader(raw), 0))

	require.Len(t, events, 3)
	assert.Equal(t, domain.StreamEvent{Event: "message", Data: "first line\nsecond line", ID: "42"}, events[0])
	// Only one leading space is stripped.
	assert.Equal(t, " two spaces", events[1].Data)
	// A bare field name is a data line with an empty value.
	assert.Equal(t, "", events[2].Data)
}

func TestDecoderTrailingRecordAtEOF(t *testing.T) {
	events := collectEvents(t, NewDecoder(strings.NewReader("data: one\n\ndata: [DONE]"), 0))

	require.Len(t, events, 2)
	assert.Equal(t, "[DONE]", events[1].Data)
}

func TestDecoderEOFIsSticky(t *testing.T) {
	d := NewDecoder(strings.NewReader("data: x\n\n"), 0)

	_, err := d.Next()
	require.NoError(t, err)
	for range 2 {
		_, err = d.Next()
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestDecoderFramingError(t *testing.T) {
	// No separator ever arrives within the limit.
	d := NewDecoder(strings.NewReader("data: "+strings.Repeat("x", 200)), 64)

	_, err := d.Next()
	var ferr *domain.FramingError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, 64, ferr.Limit)
	assert.ErrorIs(t, err, domain.ErrFraming)

	// The decoder does not recover.
	_, err = d.Next()
	assert.ErrorIs(t, err, domain.ErrFraming)
}

func TestDecoderReadErrorPropagates(t *testing.T) {
	boom := errors.New("connection reset")
	d := NewDecoder(iotest.ErrReader(boom), 0)

	_, err := d.Next()
	assert.ErrorIs(t, err, boom)
}

func TestDecoderAll(t *testing.T) {
	d := NewDecoder(strings.NewReader("data: a\n\ndata: b\n\ndata: c\n\n"), 0)

	var got []string
	for ev, err := range d.All() {
		require.NoError(t, err)
		got = append(got, ev.Data)
		if ev.Data == "b" {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)

	// Remaining records are still available after an early break.
	ev, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "c", ev.Data)
}

func TestDecoderAllYieldsError(t *testing.T) {
	d := NewDecoder(iotest.ErrReader(io.ErrUnexpectedEOF), 0)

	var errs []error
	for _, err := range d.All() {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], io.ErrUnexpectedEOF)
}
