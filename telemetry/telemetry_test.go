package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRingAppendAndTail(t *testing.T) {
	r := NewRing(4)
	if r.Len() != 0 {
		t.Fatalf("fresh ring len = %d", r.Len())
	}

	for i := 0; i < 3; i++ {
		r.Append(Entry{Message: string(rune('a' + i))})
	}
	tail := r.Tail(0)
	if len(tail) != 3 || tail[0].Message != "a" || tail[2].Message != "c" {
		t.Fatalf("tail = %+v", tail)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		r.Append(Entry{Message: m})
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}
	tail := r.Tail(0)
	want := []string{"c", "d", "e"}
	for i, m := range want {
		if tail[i].Message != m {
			t.Fatalf("tail = %+v, want %v", tail, want)
		}
	}

	last := r.Tail(2)
	if len(last) != 2 || last[0].Message != "d" || last[1].Message != "e" {
		t.Fatalf("Tail(2) = %+v", last)
	}
}

func TestHandlerTeesToConsoleAndRing(t *testing.T) {
	var console bytes.Buffer
	ring := NewRing(8)
	logger := slog.New(NewHandler(&console, ring, nil))

	logger.Info("fw:update-start", slog.Int("size", 1000), slog.String("version", "v2"))
	logger.Debug("fw:chunk", slog.Int("n", 1))

	if !strings.Contains(console.String(), "fw:update-start") {
		t.Error("record missing from console output")
	}

	// INFO retained, DEBUG not.
	tail := ring.Tail(0)
	if len(tail) != 1 {
		t.Fatalf("ring has %d entries, want 1", len(tail))
	}
	e := tail[0]
	if e.Level != "INFO" {
		t.Errorf("level = %q", e.Level)
	}
	if e.Message != "fw:update-start size=1000 version=v2" {
		t.Errorf("message = %q", e.Message)
	}
}

func TestHandlerGroupPrefix(t *testing.T) {
	var console bytes.Buffer
	ring := NewRing(8)
	logger := slog.New(NewHandler(&console, ring, nil)).WithGroup("ota")

	logger.Warn("erase-failed", slog.String("bank", "B"))

	tail := ring.Tail(0)
	if len(tail) != 1 {
		t.Fatalf("ring has %d entries", len(tail))
	}
	if tail[0].Message != "ota:erase-failed bank=B" {
		t.Errorf("message = %q", tail[0].Message)
	}
	if tail[0].Level != "WARN" {
		t.Errorf("level = %q", tail[0].Level)
	}
}

func TestHandlerTruncatesLongMessages(t *testing.T) {
	ring := NewRing(2)
	h := NewHandler(&bytes.Buffer{}, ring, nil)

	r := slog.NewRecord(time.Now(), slog.LevelInfo, strings.Repeat("x", 300), 0)
	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	tail := ring.Tail(0)
	if len(tail[0].Message) > maxMessageLen {
		t.Errorf("message length = %d", len(tail[0].Message))
	}
}
