package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/duocall/internal/signaling"
)

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that came due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// pending counts timers that are neither stopped nor fired.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

type sentSignal struct {
	target string
	msg    signaling.Message
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []sentSignal
}

func (r *fakeRelay) Send(targetID string, msg signaling.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentSignal{target: targetID, msg: msg})
	return nil
}

func (r *fakeRelay) all() []sentSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentSignal(nil), r.sent...)
}

func (r *fakeRelay) types() []signaling.MessageType {
	var out []signaling.MessageType
	for _, s := range r.all() {
		out = append(out, s.msg.Type)
	}
	return out
}

func (r *fakeRelay) count(typ signaling.MessageType) int {
	n := 0
	for _, s := range r.all() {
		if s.msg.Type == typ {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

type fakeTrack struct {
	kind    TrackKind
	enabled atomic.Bool
	stopped atomic.Bool
}

func newFakeTrack(kind TrackKind) *fakeTrack {
	t := &fakeTrack{kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) Kind() TrackKind    { return t.kind }
func (t *fakeTrack) SetEnabled(on bool) { t.enabled.Store(on) }
func (t *fakeTrack) Enabled() bool      { return t.enabled.Load() }
func (t *fakeTrack) Stop()              { t.stopped.Store(true) }

// mediaPlan configures the transports a harness hands out.
type mediaPlan struct {
	acquireErr error
	// gate, if set, blocks AcquireMedia until closed; started is signaled
	// when AcquireMedia is entered.
	gate    chan struct{}
	started chan struct{}
	// emitLocal makes SetLocalDescription gather one local candidate.
	emitLocal  bool
	replaceErr error
}

type fakeTransport struct {
	plan *mediaPlan

	mu       sync.Mutex
	log      []string
	streams  []*LocalStream
	closed   int
	onLocal  func(webrtc.ICECandidateInit)
	onRemote func(RemoteStream)
	replaced []Track
}

var _ MediaTransport = (*fakeTransport)(nil)

func (f *fakeTransport) record(s string) {
	f.mu.Lock()
	f.log = append(f.log, s)
	f.mu.Unlock()
}

func (f *fakeTransport) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) AcquireMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	f.record("acquire " + c.String())
	if f.plan.started != nil {
		f.plan.started <- struct{}{}
	}
	if f.plan.gate != nil {
		<-f.plan.gate
	}
	if f.plan.acquireErr != nil {
		return nil, f.plan.acquireErr
	}

	stream := &LocalStream{}
	if c.Audio {
		stream.Audio = newFakeTrack(TrackAudio)
	}
	if c.Video != nil {
		stream.Video = newFakeTrack(TrackVideo)
	}
	f.mu.Lock()
	f.streams = append(f.streams, stream)
	f.mu.Unlock()
	return stream, nil
}

func (f *fakeTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	f.record("create offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakeTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	f.record("create answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakeTransport) SetLocalDescription(ctx context.Context, d webrtc.SessionDescription) error {
	f.record("local " + d.Type.String())
	if f.plan.emitLocal {
		f.mu.Lock()
		fn := f.onLocal
		f.mu.Unlock()
		if fn != nil {
			fn(webrtc.ICECandidateInit{Candidate: "local-1"})
		}
	}
	return nil
}

func (f *fakeTransport) SetRemoteDescription(ctx context.Context, d webrtc.SessionDescription) error {
	f.record("remote " + d.Type.String())
	return nil
}

func (f *fakeTransport) AddCandidate(c webrtc.ICECandidateInit) error {
	f.record("candidate " + c.Candidate)
	return nil
}

func (f *fakeTransport) ReplaceOutboundTrack(kind TrackKind, track Track) error {
	f.record("replace " + string(kind))
	if f.plan.replaceErr != nil {
		return f.plan.replaceErr
	}
	f.mu.Lock()
	f.replaced = append(f.replaced, track)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnRemoteStream(fn func(RemoteStream)) {
	f.mu.Lock()
	f.onRemote = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onLocal = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

var (
	alice = signaling.UserInfo{ID: "alice", Name: "Alice"}
	bob   = signaling.UserInfo{ID: "bob", Name: "Bob"}
	carol = signaling.UserInfo{ID: "carol", Name: "Carol"}
)

type harness struct {
	t      *testing.T
	engine *Engine
	clock  *fakeClock
	relay  *fakeRelay
	plan   *mediaPlan

	mu         sync.Mutex
	transports []*fakeTransport
	events     []Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:     t,
		clock: newFakeClock(),
		relay: &fakeRelay{},
		plan:  &mediaPlan{},
	}
	factory := func(ctx context.Context) (MediaTransport, error) {
		tr := &fakeTransport{plan: h.plan}
		h.mu.Lock()
		h.transports = append(h.transports, tr)
		h.mu.Unlock()
		return tr, nil
	}
	h.engine = NewEngine(context.Background(), alice, h.relay, factory,
		WithClock(h.clock),
		WithObserver(func(ev Event) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		}),
	)
	t.Cleanup(h.engine.Close)
	return h
}

// transport returns the i-th transport created, failing if there is none.
func (h *harness) transport(i int) *fakeTransport {
	h.t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(h.t, len(h.transports), i, "transport %d never created", i)
	return h.transports[i]
}

func (h *harness) transportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

func (h *harness) eventKinds() []EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []EventKind
	for _, ev := range h.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (h *harness) hasEvent(kind EventKind) bool {
	for _, k := range h.eventKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// snap returns the session once every event queued so far has been handled.
func (h *harness) snap() Snapshot {
	return h.engine.Snapshot()
}

// onLoop runs fn on the engine loop and waits for it.
func (h *harness) onLoop(fn func()) {
	h.t.Helper()
	done := make(chan struct{})
	require.True(h.t, h.engine.post(func() {
		fn()
		close(done)
	}))
	<-done
}

func (h *harness) armed(d Deadline) bool {
	var armed bool
	h.onLoop(func() { armed = h.engine.timers.Armed(d) })
	return armed
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.snap().State == want
	}, 2*time.Second, time.Millisecond, "never reached %s", want)
}

// signal delivers a message from peer.
func (h *harness) signal(peer signaling.UserInfo, typ signaling.MessageType, payload any) {
	h.t.Helper()
	msg, err := signaling.NewMessage(typ, payload, peer)
	require.NoError(h.t, err)
	h.engine.HandleSignal(msg)
}

func (h *harness) offerFrom(peer signaling.UserInfo, t signaling.CallType) {
	h.t.Helper()
	peer.CallType = t
	h.signal(peer, signaling.MsgTypeOffer, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"})
	h.snap()
}

func (h *harness) candidateFrom(peer signaling.UserInfo, c string) {
	h.t.Helper()
	h.signal(peer, signaling.MsgTypeCandidate, webrtc.ICECandidateInit{Candidate: c})
}

func (h *harness) answerFrom(peer signaling.UserInfo) {
	h.t.Helper()
	h.signal(peer, signaling.MsgTypeAnswer, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"})
}

// connectOutgoing places a call to bob and lets bob answer.
func (h *harness) connectOutgoing(t signaling.CallType) {
	h.t.Helper()
	require.NoError(h.t, h.engine.StartCall(context.Background(), bob, t))
	h.answerFrom(bob)
	h.waitState(StateConnected)
}

var errNoCamera = errors.New("camera unavailable")
