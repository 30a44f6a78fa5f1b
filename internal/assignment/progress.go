// Package assignment fans assign/revoke operations out across accounts with
// a bounded worker pool, adaptive concurrency, and per-account isolation.
package assignment

import (
	"sync"

	"github.com/vikyol/awsideman/internal/core"
)

// EventType distinguishes progress events.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
)

// Event is one progress notification. Events are advisory: when the consumer
// falls behind they are dropped, and the run's correctness never depends on
// their delivery: the result records carry the authoritative tallies.
type Event struct {
	Type        EventType
	AccountID   string
	AccountName string
	Outcome     core.Outcome
}

// Progress delivers events on a buffered channel. It keeps no counters of its
// own; tallies come from the run's result records (Result.Counts).
type Progress struct {
	events    chan Event
	closeOnce sync.Once
}

// Counters summarizes a run in flight.
type Counters struct {
	Total     int
	Started   int
	Succeeded int
	Skipped   int
	Failed    int
}

// NewProgress creates a progress sink with the given channel depth.
func NewProgress(depth int) *Progress {
	if depth <= 0 {
		depth = 64
	}
	return &Progress{events: make(chan Event, depth)}
}

// Events exposes the event stream for a UI consumer.
func (p *Progress) Events() <-chan Event { return p.events }

// emit delivers an event without ever blocking the worker.
func (p *Progress) emit(ev Event) {
	if p == nil {
		return
	}
	select {
	case p.events <- ev:
	default:
		// Consumer is behind; the result records carry the truth.
	}
}

// close ends the stream after the run completes. Safe to call twice.
func (p *Progress) close() {
	if p != nil {
		p.closeOnce.Do(func() { close(p.events) })
	}
}

// Close ends the stream for flows that bypass the executor.
func (p *Progress) Close() { p.close() }
