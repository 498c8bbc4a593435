// Package logbuf keeps a bounded in-memory tail of each child's output so
// recent logs are available over the API without reading the log files
// back off disk.
package logbuf

import (
	"bytes"
	"sync"
	"time"
)

// Line is one captured output line with its arrival time and the stream it
// came from ("stdout" or "stderr").
type Line struct {
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
}

// Ring holds the most recent lines of a child's combined output. Writers
// for the two streams share the ring; ordering is arrival order under the
// ring's lock.
type Ring struct {
	mu    sync.Mutex
	lines []Line
	max   int
	start int
	count int
}

// New creates a ring that retains the last max lines.
func New(max int) *Ring {
	return &Ring{
		lines: make([]Line, max),
		max:   max,
	}
}

// Writer returns an io.Writer that appends lines tagged with the given
// stream name. It buffers partial writes until a newline arrives.
func (r *Ring) Writer(stream string) *StreamWriter {
	return &StreamWriter{ring: r, stream: stream}
}

// Write implements io.Writer for callers that do not care about stream
// tags; lines are recorded as stdout.
func (r *Ring) Write(p []byte) (int, error) {
	w := StreamWriter{ring: r, stream: "stdout"}
	return w.Write(p)
}

func (r *Ring) push(stream, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := Line{Time: time.Now(), Stream: stream, Text: text}
	if r.count < r.max {
		r.lines[(r.start+r.count)%r.max] = l
		r.count++
		return
	}
	r.lines[r.start] = l
	r.start = (r.start + 1) % r.max
}

// Last returns up to n of the most recent lines, oldest first.
func (r *Ring) Last(n int) []string {
	lines := r.Tail(n)
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

// Tail is Last with the full line records, for callers that want
// timestamps and stream tags.
func (r *Ring) Tail(n int) []Line {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > r.count {
		n = r.count
	}
	out := make([]Line, n)
	for i := 0; i < n; i++ {
		out[i] = r.lines[(r.start+r.count-n+i)%r.max]
	}
	return out
}

// Len returns how many lines the ring currently holds.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

type StreamWriter struct {
	mu      sync.Mutex
	ring    *Ring
	stream  string
	partial bytes.Buffer
}

func (w *StreamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial.Write(p)
	for {
		raw := w.partial.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(raw[:i], "\r"))
		w.partial.Next(i + 1)
		w.ring.push(w.stream, line)
	}
	return len(p), nil
}

// Flush records any buffered partial line. Called when the child exits so
// unterminated final output is not lost.
func (w *StreamWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.partial.Len() > 0 {
		w.ring.push(w.stream, w.partial.String())
		w.partial.Reset()
	}
}
