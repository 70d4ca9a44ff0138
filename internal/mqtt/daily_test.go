package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/nugget/mailroom/internal/events"
)

func runComplete(data map[string]any) events.Event {
	return events.Event{Source: events.SourceLoop, Kind: events.KindRunComplete, Data: data}
}

func TestDailyRuns_Observe(t *testing.T) {
	d := NewDailyRuns(time.UTC)

	d.Observe(runComplete(map[string]any{"outcome": "done"}))
	d.Observe(runComplete(map[string]any{"outcome": "done"}))
	d.Observe(runComplete(map[string]any{"outcome": "waiting"}))
	d.Observe(runComplete(map[string]any{"outcome": "", "error": "persist thread: disk full"}))
	d.Observe(events.Event{Source: events.SourceLoop, Kind: events.KindRunStart})
	d.Observe(events.Event{Source: events.SourceEmail, Kind: events.KindRunComplete})

	got, total := d.Snapshot()
	if total != 4 {
		t.Errorf("total = %d, want 4", total)
	}
	want := map[string]int64{"done": 2, "waiting": 1, outcomeFailed: 1}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %d, want %d", k, got[k], v)
		}
	}
}

func TestDailyRuns_MidnightReset(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	d := NewDailyRuns(time.UTC)
	d.now = func() time.Time { return now }
	d.day = d.today()

	d.Observe(runComplete(map[string]any{"outcome": "done"}))
	if _, total := d.Snapshot(); total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}

	now = now.Add(2 * time.Minute)
	if _, total := d.Snapshot(); total != 0 {
		t.Errorf("total after midnight = %d, want 0", total)
	}
}

func TestDailyRuns_SameDayNextYear(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d := NewDailyRuns(time.UTC)
	d.now = func() time.Time { return now }
	d.day = d.today()
	d.Observe(runComplete(map[string]any{"outcome": "done"}))

	now = now.AddDate(1, 0, 0)
	if _, total := d.Snapshot(); total != 0 {
		t.Errorf("total a year later = %d, want 0", total)
	}
}

func TestDailyRuns_Concurrent(t *testing.T) {
	d := NewDailyRuns(nil)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Observe(runComplete(map[string]any{"outcome": "done"}))
		}()
	}
	wg.Wait()

	if _, total := d.Snapshot(); total != 100 {
		t.Errorf("total = %d, want 100", total)
	}
	if d.loc != time.Local {
		t.Error("nil location should default to time.Local")
	}
}
