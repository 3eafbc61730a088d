package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/atikulmunna/mcpmon/internal/model"
)

const epsWindow = 5 * time.Second

// Stats holds a point-in-time snapshot of aggregated metrics.
type Stats struct {
	Uptime         string           `json:"uptime"`
	TotalEvents    int64            `json:"total_events"`
	Filtered       int64            `json:"filtered"`
	EPS            float64          `json:"eps"`
	CategoryCounts map[string]int64 `json:"category_counts"`
	LevelCounts    map[string]int64 `json:"level_counts"`
	LastEvent      *time.Time       `json:"last_event,omitempty"`
	FilesWatched   int              `json:"files_watched"`
	Subscribers    int              `json:"subscribers"`
}

// Aggregator keeps running totals of classified events and a sliding window
// for events per second.
type Aggregator struct {
	mu             sync.RWMutex
	startTime      time.Time
	totalEvents    int64
	filtered       int64
	categoryCounts map[string]int64
	levelCounts    map[string]int64
	lastEvent      time.Time
	window         []time.Time // arrival times within the last epsWindow

	fileCount func() int
	subCount  func() int
	now       func() time.Time
}

// New creates an Aggregator. fileCountFn and subCountFn provide live values
// from discovery and the hub; either may be nil.
func New(fileCountFn, subCountFn func() int) *Aggregator {
	return &Aggregator{
		startTime:      time.Now(),
		categoryCounts: make(map[string]int64),
		levelCounts:    make(map[string]int64),
		fileCount:      fileCountFn,
		subCount:       subCountFn,
		now:            time.Now,
	}
}

// Record adds one classified event.
func (a *Aggregator) Record(ev model.LogEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.totalEvents++
	a.categoryCounts[string(ev.Category)]++
	a.levelCounts[ev.Level.String()]++
	a.lastEvent = now
	a.window = append(a.window, now)
}

// RecordFiltered counts a line or event rejected by the filters.
func (a *Aggregator) RecordFiltered() {
	a.mu.Lock()
	a.filtered++
	a.mu.Unlock()
}

// Snapshot returns the current metrics.
func (a *Aggregator) Snapshot() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	categories := make(map[string]int64, len(a.categoryCounts))
	for k, v := range a.categoryCounts {
		categories[k] = v
	}
	levels := make(map[string]int64, len(a.levelCounts))
	for k, v := range a.levelCounts {
		levels[k] = v
	}

	cutoff := a.now().Add(-epsWindow)
	var recent int
	for _, t := range a.window {
		if t.After(cutoff) {
			recent++
		}
	}

	s := Stats{
		Uptime:         time.Since(a.startTime).Truncate(time.Second).String(),
		TotalEvents:    a.totalEvents,
		Filtered:       a.filtered,
		EPS:            float64(recent) / epsWindow.Seconds(),
		CategoryCounts: categories,
		LevelCounts:    levels,
	}
	if !a.lastEvent.IsZero() {
		last := a.lastEvent
		s.LastEvent = &last
	}
	if a.fileCount != nil {
		s.FilesWatched = a.fileCount()
	}
	if a.subCount != nil {
		s.Subscribers = a.subCount()
	}
	return s
}

// Start prunes the sliding window periodically. Blocks until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.prune()
		}
	}
}

// prune removes arrival times older than the EPS window.
func (a *Aggregator) prune() {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-epsWindow)
	i := 0
	for _, t := range a.window {
		if t.After(cutoff) {
			a.window[i] = t
			i++
		}
	}
	a.window = a.window[:i]
}
