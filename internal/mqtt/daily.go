package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/mailroom/internal/events"
)

// outcomeFailed counts runs that ended with an error.
const outcomeFailed = "failed"

// DailyRuns counts completed loop runs by outcome and resets at local
// midnight. It is safe for concurrent use.
type DailyRuns struct {
	mu       sync.Mutex
	outcomes map[string]int64
	day      string
	loc      *time.Location
	now      func() time.Time
}

// NewDailyRuns creates a counter that uses loc for midnight detection.
// If loc is nil, [time.Local] is used.
func NewDailyRuns(loc *time.Location) *DailyRuns {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyRuns{
		outcomes: make(map[string]int64),
		loc:      loc,
		now:      time.Now,
	}
	d.day = d.today()
	return d
}

// Observe counts a run_complete event from the loop. Other events are
// ignored.
func (d *DailyRuns) Observe(e events.Event) {
	if e.Source != events.SourceLoop || e.Kind != events.KindRunComplete {
		return
	}
	outcome, _ := e.Data["outcome"].(string)
	if _, failed := e.Data["error"]; failed || outcome == "" {
		outcome = outcomeFailed
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.outcomes[outcome]++
}

// Snapshot returns today's counts by outcome and their total.
func (d *DailyRuns) Snapshot() (map[string]int64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()

	out := make(map[string]int64, len(d.outcomes))
	var total int64
	for k, v := range d.outcomes {
		out[k] = v
		total += v
	}
	return out, total
}

func (d *DailyRuns) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// maybeReset must be called with d.mu held.
func (d *DailyRuns) maybeReset() {
	if today := d.today(); today != d.day {
		clear(d.outcomes)
		d.day = today
	}
}
