package call

import "time"

const (
	DefaultRingTimeout = 60 * time.Second
	DefaultGraceWindow = 2 * time.Second
)

// Timer is a pending single-shot callback.
type Timer interface {
	Stop() bool
}

// Clock creates timers and reads the time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Deadline identifies one of the governed timers.
type Deadline int

const (
	DeadlineRing Deadline = iota
	DeadlineGrace
	numDeadlines
)

func (d Deadline) String() string {
	switch d {
	case DeadlineRing:
		return "ring"
	case DeadlineGrace:
		return "grace"
	default:
		return "unknown"
	}
}

// TimeoutGovernor owns the ring timeout and the post-end grace window.
// Every method must run on the engine loop; firings are posted back to it.
//
// A firing carries the token it was armed with and is dropped if the
// deadline was cancelled or re-armed in the meantime, so a timer that fires
// while being stopped cannot leak into a later call.
type TimeoutGovernor struct {
	clock     Clock
	post      func(func()) bool
	durations [numDeadlines]time.Duration
	timers    [numDeadlines]Timer
	tokens    [numDeadlines]uint64
}

// NewTimeoutGovernor returns a governor that posts firings through post.
func NewTimeoutGovernor(clock Clock, post func(func()) bool, ring, grace time.Duration) *TimeoutGovernor {
	g := &TimeoutGovernor{clock: clock, post: post}
	g.durations[DeadlineRing] = ring
	g.durations[DeadlineGrace] = grace
	return g
}

// Arm (re)starts deadline d; fire runs on the loop when it elapses.
func (g *TimeoutGovernor) Arm(d Deadline, fire func()) {
	g.Cancel(d)
	token := g.tokens[d]
	g.timers[d] = g.clock.AfterFunc(g.durations[d], func() {
		g.post(func() {
			if g.tokens[d] != token || g.timers[d] == nil {
				return
			}
			g.timers[d] = nil
			fire()
		})
	})
}

// Cancel stops deadline d if it is armed.
func (g *TimeoutGovernor) Cancel(d Deadline) {
	g.tokens[d]++
	if g.timers[d] != nil {
		g.timers[d].Stop()
		g.timers[d] = nil
	}
}

// CancelAll stops every deadline.
func (g *TimeoutGovernor) CancelAll() {
	for d := Deadline(0); d < numDeadlines; d++ {
		g.Cancel(d)
	}
}

// Armed reports whether deadline d is pending.
func (g *TimeoutGovernor) Armed(d Deadline) bool {
	return g.timers[d] != nil
}
