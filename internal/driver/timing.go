package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// TimingRecord captures one program execution.
type TimingRecord struct {
	Command string               `json:"command"`
	Start   time.Time            `json:"time_start"`
	End     time.Time            `json:"time_end"`
	Details map[string]time.Time `json:"details,omitempty"`
}

// Timings collects execution records for the whole run.
type Timings struct {
	mu      sync.Mutex
	records []TimingRecord
}

// NewTimings returns an empty timing database.
func NewTimings() *Timings {
	return &Timings{}
}

// Record appends an execution record.
func (t *Timings) Record(rec TimingRecord) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
}

// Records returns a copy ordered by start time.
func (t *Timings) Records() []TimingRecord {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]TimingRecord(nil), t.records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Report summarises total wall time per program (first word of the command).
func (t *Timings) Report() []string {
	totals := map[string]time.Duration{}
	counts := map[string]int{}
	var order []string
	for _, rec := range t.Records() {
		name := rec.Command
		if fields := strings.Fields(name); len(fields) > 0 {
			name = fields[0]
		}
		if _, seen := totals[name]; !seen {
			order = append(order, name)
		}
		totals[name] += rec.End.Sub(rec.Start)
		counts[name]++
	}
	lines := make([]string, 0, len(order))
	for _, name := range order {
		lines = append(lines, fmt.Sprintf("%-24s %4d runs %10.1fs", name, counts[name], totals[name].Seconds()))
	}
	return lines
}
