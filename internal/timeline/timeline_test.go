package timeline

import (
	"testing"
	"time"
)

func TestRecorderAggregates(t *testing.T) {
	r := NewRecorder()

	r.Record(0, "a", 0, EventReleased)
	r.Record(time.Millisecond, "a", 0, EventPicked)
	r.Record(2*time.Millisecond, "a", 0, EventCompleted)
	r.Record(3*time.Millisecond, "a", 0, EventReleased)
	r.Record(4*time.Millisecond, "a", 1, EventMigrated)
	r.Record(5*time.Millisecond, "b", 0, EventThrottled)

	a := r.Summary("a")
	if a.Releases != 2 || a.Completions != 1 || a.Migrations != 1 {
		t.Fatalf("summary a = %+v", a)
	}
	b := r.Summary("b")
	if b.Throttles != 1 {
		t.Fatalf("summary b = %+v", b)
	}
	if got := r.Summary("missing"); got != (TaskSummary{}) {
		t.Fatalf("missing task summary = %+v, want zero", got)
	}

	if got := len(r.Events()); got != 6 {
		t.Fatalf("events = %d, want 6", got)
	}
}

func TestRecorderBoundsStorage(t *testing.T) {
	r := NewRecorder()
	r.maxEvents = 10

	for i := 0; i < 25; i++ {
		r.Record(time.Duration(i), "spam", 0, EventPicked)
	}

	if got := len(r.Events()); got != 10 {
		t.Fatalf("stored %d events, want capped at 10", got)
	}
	if got := r.Dropped(); got != 15 {
		t.Fatalf("dropped = %d, want 15", got)
	}

	// Aggregation keeps counting past the cap.
	r.Record(25, "spam", 0, EventReleased)
	if got := r.Summary("spam").Releases; got != 1 {
		t.Fatalf("releases = %d, want 1 counted although the event was dropped", got)
	}
}

func TestEventKindString(t *testing.T) {
	kinds := map[EventKind]string{
		EventReleased:     "released",
		EventThrottled:    "throttled",
		EventDeadlineMiss: "deadline_miss",
		EventKind(99):     "unknown",
	}
	for k, want := range kinds {
		if got := k.String(); got != want {
			t.Fatalf("String(%d) = %q, want %q", k, got, want)
		}
	}
}
