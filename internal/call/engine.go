// Package call implements the two-party call negotiation core: the call
// session state machine, remote candidate buffering, state-scoped deadlines
// and the engine that drives a media transport and a signal relay.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/util"
)

const eventQueueSize = 64

// Relay delivers signals to other endpoints. Send is fire-and-forget and
// must not block.
type Relay interface {
	Send(targetID string, msg signaling.Message) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRingTimeout sets how long an unanswered outgoing call rings.
func WithRingTimeout(d time.Duration) Option {
	return func(e *Engine) { e.ringTimeout = d }
}

// WithGraceWindow sets how long an ended call stays visible.
func WithGraceWindow(d time.Duration) Option {
	return func(e *Engine) { e.graceWindow = d }
}

// WithObserver registers the event observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// Engine negotiates calls for one local endpoint.
//
// All state lives on a single loop goroutine. Relay callbacks, public
// operations, timer firings and transport callbacks are posted to it as
// closures. Suspending transport calls run on their own goroutine and post a
// continuation tagged with the session epoch; a continuation whose epoch is
// stale abandons its effects.
type Engine struct {
	self         signaling.UserInfo
	relay        Relay
	newTransport TransportFactory
	clock        Clock
	observer     Observer
	ringTimeout  time.Duration
	graceWindow  time.Duration

	// Loop-owned.
	session   *Session
	timers    *TimeoutGovernor
	transport MediaTransport
	stream    *LocalStream
	signaled  bool
	outbox    []webrtc.ICECandidateInit
	answering bool
	switching bool

	events chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an engine for the local user self and starts its loop.
// The loop stops when ctx is cancelled or Close is called.
func NewEngine(ctx context.Context, self signaling.UserInfo, relay Relay, factory TransportFactory, opts ...Option) *Engine {
	eCtx, eCancel := context.WithCancel(ctx)

	e := &Engine{
		self:         self,
		relay:        relay,
		newTransport: factory,
		clock:        systemClock{},
		ringTimeout:  DefaultRingTimeout,
		graceWindow:  DefaultGraceWindow,
		session:      NewSession(),
		events:       make(chan func(), eventQueueSize),
		ctx:          eCtx,
		cancel:       eCancel,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.timers = NewTimeoutGovernor(e.clock, e.post, e.ringTimeout, e.graceWindow)

	go e.loop()

	return e
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

func (e *Engine) loop() {
	defer close(e.done)

	for {
		select {
		case fn := <-e.events:
			fn()
		case <-e.ctx.Done():
			e.release()
			e.timers.CancelAll()
			e.session.Reset()
			return
		}
	}
}

// post queues fn onto the loop. It reports false once the loop has stopped.
// It must never be called from the loop itself.
func (e *Engine) post(fn func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.events <- fn:
		return true
	case <-e.done:
		return false
	}
}

// do runs op on the loop and waits for its reply. The loop keeps serving
// other events while op's asynchronous steps are outstanding.
func (e *Engine) do(ctx context.Context, op func(reply func(error))) error {
	res := make(chan error, 1)
	var once sync.Once
	reply := func(err error) {
		once.Do(func() { res <- err })
	}

	if !e.post(func() { op(reply) }) {
		return ErrEngineClosed
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineClosed
	}
}

// await runs work off the loop and posts the continuation it returns. If the
// loop is gone, drop (if any) releases what work produced.
func (e *Engine) await(work func() (next func(), drop func())) {
	go func() {
		next, drop := work()
		if !e.post(next) && drop != nil {
			drop()
		}
	}()
}

// current reports whether a continuation started in epoch may still act,
// given that the session must be in one of states.
func (e *Engine) current(epoch uint64, states ...State) bool {
	return e.session.Epoch == epoch && e.session.Active(states...)
}

// Close stops the loop, releasing media and timers.
func (e *Engine) Close() {
	e.cancel()
	<-e.done
}

// Done is closed once the loop has stopped.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Snapshot returns a copy of the session.
func (e *Engine) Snapshot() Snapshot {
	res := make(chan Snapshot, 1)
	if !e.post(func() { res <- e.session.Snapshot() }) {
		return Snapshot{State: StateIdle}
	}
	select {
	case snap := <-res:
		return snap
	case <-e.done:
		return Snapshot{State: StateIdle}
	}
}

// Reset releases media, cancels every deadline and returns the session to
// idle without signaling the peer.
func (e *Engine) Reset(ctx context.Context) error {
	return e.do(ctx, func(reply func(error)) {
		e.teardown()
		reply(nil)
	})
}

// ---------------------------------------------------------------------------
// Media ownership
// ---------------------------------------------------------------------------

// openMedia creates a transport and acquires media on it. It runs off-loop.
func (e *Engine) openMedia(c Constraints) (MediaTransport, *LocalStream, error) {
	tr, err := e.newTransport(e.ctx)
	if err != nil {
		return nil, nil, &MediaAcquisitionError{Constraints: c, Err: err}
	}

	stream, err := tr.AcquireMedia(e.ctx, c)
	if err != nil {
		tr.Close()
		var mae *MediaAcquisitionError
		if errors.As(err, &mae) {
			return nil, nil, mae
		}
		return nil, nil, &MediaAcquisitionError{Constraints: c, Err: err}
	}
	return tr, stream, nil
}

func discard(tr MediaTransport, stream *LocalStream) {
	stream.Stop()
	if tr != nil {
		tr.Close()
	}
}

// adopt makes tr and stream the media of the current call and wires the
// transport callbacks to the loop.
func (e *Engine) adopt(tr MediaTransport, stream *LocalStream) {
	e.transport = tr
	e.stream = stream
	e.signaled = false
	e.outbox = nil

	epoch := e.session.Epoch
	tr.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		e.post(func() { e.onLocalCandidate(epoch, c) })
	})
	tr.OnRemoteStream(func(rs RemoteStream) {
		e.post(func() {
			if e.session.Epoch != epoch {
				return
			}
			util.LogDebug("[%s] remote %s stream %s", e.session.CallID, rs.Kind, rs.ID)
			e.publish(Event{Kind: EventRemoteStream, Stream: &rs})
		})
	})
}

// release stops local media and closes the transport exactly once.
func (e *Engine) release() {
	if e.stream != nil {
		e.stream.Stop()
		e.stream = nil
	}
	if e.transport != nil {
		if err := e.transport.Close(); err != nil {
			util.LogWarning("[%s] close transport: %v", e.session.CallID, err)
		}
		e.transport = nil
	}
	e.signaled = false
	e.outbox = nil
	e.answering = false
	e.switching = false
}

// teardown ends the call immediately, for locally initiated termination.
func (e *Engine) teardown() {
	wasIdle := e.session.State == StateIdle
	callID := e.session.CallID
	e.release()
	e.timers.CancelAll()
	e.session.Reset()
	if !wasIdle {
		e.publish(Event{Kind: EventStateChanged, CallID: callID})
	}
}

// finish moves the call to ended and arms the grace window, for remotely
// observed or timed-out termination.
func (e *Engine) finish(kind EventKind, cause error) {
	if err := e.session.End(); err != nil {
		return
	}
	e.release()
	e.timers.Cancel(DeadlineRing)
	e.timers.Arm(DeadlineGrace, e.onGraceElapsed)
	util.Stats.AddEnded()

	e.publish(Event{Kind: kind, Err: cause})
	e.publish(Event{Kind: EventStateChanged})
}

func (e *Engine) onGraceElapsed() {
	if e.session.State != StateEnded {
		return
	}
	callID := e.session.CallID
	e.session.Reset()
	e.publish(Event{Kind: EventStateChanged, CallID: callID})
}

// ---------------------------------------------------------------------------
// Signaling out
// ---------------------------------------------------------------------------

// send emits a signal to target. Failures are logged only.
func (e *Engine) send(target string, typ signaling.MessageType, payload any) {
	sender := e.self
	sender.CallType = e.session.MediaType

	msg, err := signaling.NewMessage(typ, payload, sender)
	if err != nil {
		util.LogError("[%s] build %s signal: %v", e.session.CallID, typ, err)
		return
	}
	if err := e.relay.Send(target, msg); err != nil {
		util.LogWarning("[%s] send %s to %s: %v", e.session.CallID, typ, target, err)
		return
	}
	util.Stats.AddSent()
	util.LogDebug("[%s] sent %s to %s", e.session.CallID, typ, target)
}

// sendToPeer emits a signal to the current remote peer, if any.
func (e *Engine) sendToPeer(typ signaling.MessageType, payload any) {
	if e.session.RemotePeer == nil {
		return
	}
	e.send(e.session.RemotePeer.ID, typ, payload)
}

// markSignaled records that our description reached the peer and releases
// local candidates gathered before it.
func (e *Engine) markSignaled() {
	e.signaled = true
	for _, c := range e.outbox {
		e.sendToPeer(signaling.MsgTypeCandidate, c)
	}
	e.outbox = nil
}

func (e *Engine) onLocalCandidate(epoch uint64, c webrtc.ICECandidateInit) {
	if e.session.Epoch != epoch || e.transport == nil {
		return
	}
	if !e.signaled {
		e.outbox = append(e.outbox, c)
		return
	}
	e.sendToPeer(signaling.MsgTypeCandidate, c)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (e *Engine) publish(ev Event) {
	if e.observer == nil {
		return
	}
	if ev.CallID == "" {
		ev.CallID = e.session.CallID
	}
	ev.State = e.session.State
	if ev.Peer == nil && e.session.RemotePeer != nil {
		peer := *e.session.RemotePeer
		ev.Peer = &peer
	}
	e.observer(ev)
}
