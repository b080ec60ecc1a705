// Package util provides logging and process-wide counters.
package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling/call counter.
var Stats = &stats{}

type stats struct {
	SignalsSent   atomic.Int64 // signals handed to the relay
	SignalsRecv   atomic.Int64 // signals received from the relay
	CallsPlaced   atomic.Int64 // outgoing calls started
	CallsAnswered atomic.Int64 // incoming calls accepted
	CallsEnded    atomic.Int64 // calls ended by the peer or by timeout
}

func (s *stats) AddSent()     { s.SignalsSent.Add(1) }
func (s *stats) AddRecv()     { s.SignalsRecv.Add(1) }
func (s *stats) AddPlaced()   { s.CallsPlaced.Add(1) }
func (s *stats) AddAnswered() { s.CallsAnswered.Add(1) }
func (s *stats) AddEnded()    { s.CallsEnded.Add(1) }

// snapshot is a point-in-time copy of the counters.
type snapshot struct {
	sent, recv, placed, answered, ended int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		sent:     s.SignalsSent.Load(),
		recv:     s.SignalsRecv.Load(),
		placed:   s.CallsPlaced.Load(),
		answered: s.CallsAnswered.Load(),
		ended:    s.CallsEnded.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling statistics
// every interval whenever something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur.sub(prev), cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s snapshot) sub(o snapshot) snapshot {
	return snapshot{
		sent:     s.sent - o.sent,
		recv:     s.recv - o.recv,
		placed:   s.placed - o.placed,
		answered: s.answered - o.answered,
		ended:    s.ended - o.ended,
	}
}

// formatStats renders the delta since the last report and the running totals.
func formatStats(delta, total snapshot) string {
	return fmt.Sprintf("Signals: %3d↑ %3d↓ | Calls: %2d placed %2d answered %2d ended (total %d/%d/%d)",
		delta.sent,
		delta.recv,
		delta.placed,
		delta.answered,
		delta.ended,
		total.placed,
		total.answered,
		total.ended,
	)
}
