// Package memlog keeps a bounded in-memory copy of recent log records so the
// web interface can serve them without any on-disk log files.
package memlog

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxRecords = 10000
	DefaultMaxAlerts  = 2000
)

// Record is one captured log entry.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Component string    `json:"component"`
	Severity  int       `json:"severity"`
}

// Buffer stores log records in two tiers: all records and a dedicated alert
// buffer holding only warnings and errors. Both are bounded rings.
type Buffer struct {
	mu      sync.Mutex
	records *ring
	alerts  *ring
}

// BufferStats describes the fill state of the two tiers.
type BufferStats struct {
	MainSize     int     `json:"main_size"`
	MainMax      int     `json:"main_max"`
	MainUsagePct float64 `json:"main_usage_percent"`

	AlertSize     int     `json:"alert_size"`
	AlertMax      int     `json:"alert_max"`
	AlertUsagePct float64 `json:"alert_usage_percent"`
}

func NewBuffer(maxRecords, maxAlerts int) *Buffer {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	if maxAlerts <= 0 {
		maxAlerts = DefaultMaxAlerts
	}
	return &Buffer{
		records: newRing(maxRecords),
		alerts:  newRing(maxAlerts),
	}
}

// Append stores a record, additionally routing warnings and above into the
// alert tier. Safe for concurrent use.
func (b *Buffer) Append(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records.push(r)
	if r.Severity >= severityWarning {
		b.alerts.push(r)
	}
}

// Logs returns a snapshot of the main buffer, oldest first. An empty level
// matches everything; a zero since matches everything; limit <= 0 means no
// limit and trims from the front (oldest entries are dropped first).
func (b *Buffer) Logs(level string, limit int, since time.Time) []Record {
	b.mu.Lock()
	logs := b.records.snapshot()
	b.mu.Unlock()
	return filter(logs, level, limit, since)
}

// Alerts returns a snapshot of the alert buffer, oldest first.
func (b *Buffer) Alerts(level string, limit int, since time.Time) []Record {
	b.mu.Lock()
	alerts := b.alerts.snapshot()
	b.mu.Unlock()
	return filter(alerts, level, limit, since)
}

// Clear empties both tiers.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records.clear()
	b.alerts.clear()
}

// ClearAlerts empties the alert tier only.
func (b *Buffer) ClearAlerts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerts.clear()
}

// Stats reports fill levels for both tiers.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BufferStats{
		MainSize:      b.records.len(),
		MainMax:       b.records.cap(),
		MainUsagePct:  usagePct(b.records),
		AlertSize:     b.alerts.len(),
		AlertMax:      b.alerts.cap(),
		AlertUsagePct: usagePct(b.alerts),
	}
}

func usagePct(r *ring) float64 {
	return float64(r.len()) / float64(r.cap()) * 100
}

func filter(records []Record, level string, limit int, since time.Time) []Record {
	filtered := records
	if level != "" || !since.IsZero() {
		filtered = make([]Record, 0, len(records))
		for _, r := range records {
			if level != "" && !strings.EqualFold(r.Level, level) {
				continue
			}
			if !since.IsZero() && r.Timestamp.Before(since) {
				continue
			}
			filtered = append(filtered, r)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

// ring is a fixed-capacity circular buffer of records.
type ring struct {
	buf   []Record
	head  int // index of the oldest record
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Record, capacity)}
}

func (r *ring) push(rec Record) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = rec
		r.count++
		return
	}
	r.buf[r.head] = rec
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) snapshot() []Record {
	out := make([]Record, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

func (r *ring) clear() {
	r.head = 0
	r.count = 0
}

func (r *ring) len() int { return r.count }
func (r *ring) cap() int { return len(r.buf) }
