package logbuf

import (
	"testing"
)

func TestRingWriteAndLast(t *testing.T) {
	r := New(5)
	r.Write([]byte("line 1\nline 2\nline 3\n"))

	lines := r.Last(10)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0] != "line 1" || lines[1] != "line 2" || lines[2] != "line 3" {
		t.Errorf("unexpected lines: %v", lines)
	}
}

func TestRingOverflowKeepsNewest(t *testing.T) {
	r := New(3)
	r.Write([]byte("a\nb\nc\nd\ne\n"))

	lines := r.Last(3)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0] != "c" || lines[1] != "d" || lines[2] != "e" {
		t.Errorf("expected [c d e], got %v", lines)
	}
}

func TestRingPartialWrites(t *testing.T) {
	r := New(5)
	w := r.Writer("stdout")
	w.Write([]byte("hel"))
	w.Write([]byte("lo world\n"))
	w.Write([]byte("second line\n"))

	lines := r.Last(5)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0] != "hello world" {
		t.Errorf("expected 'hello world', got %q", lines[0])
	}
}

func TestRingFlushRecordsPartial(t *testing.T) {
	r := New(5)
	w := r.Writer("stdout")
	w.Write([]byte("no newline"))
	if r.Len() != 0 {
		t.Fatalf("partial should not be recorded yet, got %d lines", r.Len())
	}
	w.Flush()

	lines := r.Last(1)
	if len(lines) != 1 || lines[0] != "no newline" {
		t.Errorf("expected flushed partial, got %v", lines)
	}
}

func TestRingStreamTags(t *testing.T) {
	r := New(5)
	r.Writer("stdout").Write([]byte("out\n"))
	r.Writer("stderr").Write([]byte("err\n"))

	tail := r.Tail(2)
	if len(tail) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(tail))
	}
	if tail[0].Stream != "stdout" || tail[1].Stream != "stderr" {
		t.Errorf("unexpected stream tags: %q %q", tail[0].Stream, tail[1].Stream)
	}
	if tail[0].Time.IsZero() || tail[1].Time.IsZero() {
		t.Error("expected timestamps on recorded lines")
	}
}

func TestRingCRLF(t *testing.T) {
	r := New(5)
	r.Write([]byte("windows line\r\n"))

	lines := r.Last(1)
	if len(lines) != 1 || lines[0] != "windows line" {
		t.Errorf("expected trailing CR stripped, got %v", lines)
	}
}

func TestRingEmpty(t *testing.T) {
	r := New(5)
	if got := r.Last(3); len(got) != 0 {
		t.Errorf("expected empty, got %v", got)
	}
}
