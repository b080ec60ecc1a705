package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/duocall/internal/signaling"
)

func countCalls(calls []string, want string) int {
	n := 0
	for _, c := range calls {
		if c == want {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Outgoing calls
// ---------------------------------------------------------------------------

func TestOutgoingCallConnects(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.StartCall(context.Background(), bob, signaling.CallVideo))

	snap := h.snap()
	assert.Equal(t, StateCalling, snap.State)
	assert.Equal(t, RoleCaller, snap.Role)
	assert.Equal(t, signaling.CallVideo, snap.MediaType)
	assert.True(t, snap.Flags.CameraOn)
	assert.True(t, snap.Flags.SpeakerOn)
	assert.NotEmpty(t, snap.CallID)
	assert.True(t, h.armed(DeadlineRing))

	sent := h.relay.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "bob", sent[0].target)
	assert.Equal(t, signaling.MsgTypeOffer, sent[0].msg.Type)
	assert.Equal(t, "alice", sent[0].msg.SenderID)
	require.NotNil(t, sent[0].msg.SenderUserInfo)
	assert.Equal(t, signaling.CallVideo, sent[0].msg.SenderUserInfo.CallType)
	offer, err := sent[0].msg.Description()
	require.NoError(t, err)
	assert.Equal(t, "offer-sdp", offer.SDP)

	h.answerFrom(bob)
	h.waitState(StateConnected)

	snap = h.snap()
	assert.Equal(t, h.clock.Now(), snap.ConnectedAt)
	assert.False(t, h.armed(DeadlineRing))
	assert.Equal(t, []string{
		"acquire audio+video(user)",
		"create offer",
		"local offer",
		"remote answer",
	}, h.transport(0).calls())
}

func TestCallerBuffersCandidatesUntilAnswer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.StartCall(context.Background(), bob, signaling.CallAudio))

	h.candidateFrom(bob, "c1")
	h.candidateFrom(bob, "c2")
	assert.Equal(t, 2, h.snap().BufferedCandidates)
	assert.NotContains(t, h.transport(0).calls(), "candidate c1")

	h.answerFrom(bob)
	h.waitState(StateConnected)

	h.candidateFrom(bob, "c3")
	h.snap()

	calls := h.transport(0).calls()
	assert.Equal(t, []string{"remote answer", "candidate c1", "candidate c2", "candidate c3"}, calls[3:])
}

func TestLocalCandidatesFollowOffer(t *testing.T) {
	h := newHarness(t)
	h.plan.emitLocal = true

	require.NoError(t, h.engine.StartCall(context.Background(), bob, signaling.CallAudio))

	assert.Equal(t, []signaling.MessageType{signaling.MsgTypeOffer, signaling.MsgTypeCandidate}, h.relay.types())
}

func TestStartCallRejectsSelfAndEmptyPeer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.engine.StartCall(ctx, alice, signaling.CallAudio), ErrInvalidState)
	assert.ErrorIs(t, h.engine.StartCall(ctx, signaling.UserInfo{}, signaling.CallAudio), ErrInvalidState)
	assert.Equal(t, StateIdle, h.snap().State)
	assert.Zero(t, h.transportCount())
}

func TestStartCallWhileBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.StartCall(ctx, bob, signaling.CallAudio))

	assert.ErrorIs(t, h.engine.StartCall(ctx, carol, signaling.CallAudio), ErrInvalidState)
	assert.Equal(t, "bob", h.snap().RemotePeer.ID)
}

func TestMediaFailureKeepsSessionIdle(t *testing.T) {
	h := newHarness(t)
	h.plan.acquireErr = errNoCamera

	err := h.engine.StartCall(context.Background(), bob, signaling.CallVideo)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMediaAcquisition)
	assert.ErrorIs(t, err, errNoCamera)

	var mae *MediaAcquisitionError
	require.True(t, errors.As(err, &mae))
	require.NotNil(t, mae.Constraints.Video)
	assert.Equal(t, FacingUser, mae.Constraints.Video.Facing)

	assert.Equal(t, StateIdle, h.snap().State)
	assert.Empty(t, h.relay.all())
	assert.Equal(t, 1, h.transport(0).closeCount())
	assert.False(t, h.armed(DeadlineRing))
}

func TestHangupDuringAcquireAbandonsCall(t *testing.T) {
	h := newHarness(t)
	h.plan.gate = make(chan struct{})
	h.plan.started = make(chan struct{}, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.engine.StartCall(context.Background(), bob, signaling.CallVideo)
	}()
	<-h.plan.started

	require.NoError(t, h.engine.Hangup(context.Background()))
	assert.Equal(t, StateIdle, h.snap().State)

	close(h.plan.gate)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCallAbandoned)
	case <-time.After(2 * time.Second):
		t.Fatal("StartCall never returned")
	}

	tr := h.transport(0)
	require.Eventually(t, func() bool { return tr.closeCount() == 1 }, time.Second, time.Millisecond)
	tr.mu.Lock()
	stream := tr.streams[0]
	tr.mu.Unlock()
	assert.True(t, stream.Audio.(*fakeTrack).stopped.Load())
	assert.True(t, stream.Video.(*fakeTrack).stopped.Load())

	assert.Zero(t, h.relay.count(signaling.MsgTypeOffer))
	assert.Equal(t, StateIdle, h.snap().State)
}

func TestRemoteRefusalDuringAcquireAbandonsCall(t *testing.T) {
	cases := []struct {
		typ  signaling.MessageType
		kind EventKind
	}{
		{signaling.MsgTypeBusy, EventRemoteBusy},
		{signaling.MsgTypeReject, EventRemoteReject},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			h := newHarness(t)
			h.plan.gate = make(chan struct{})
			h.plan.started = make(chan struct{}, 1)

			errCh := make(chan error, 1)
			go func() {
				errCh <- h.engine.StartCall(context.Background(), bob, signaling.CallAudio)
			}()
			<-h.plan.started

			h.signal(bob, tc.typ, nil)
			assert.Equal(t, StateEnded, h.snap().State)
			assert.True(t, h.hasEvent(tc.kind))

			close(h.plan.gate)
			select {
			case err := <-errCh:
				assert.ErrorIs(t, err, ErrCallAbandoned)
			case <-time.After(2 * time.Second):
				t.Fatal("StartCall never returned")
			}

			tr := h.transport(0)
			require.Eventually(t, func() bool { return tr.closeCount() == 1 }, time.Second, time.Millisecond)
			assert.NotContains(t, tr.calls(), "create offer")
			assert.Empty(t, h.relay.all())
			assert.Equal(t, StateEnded, h.snap().State)
		})
	}
}

func TestCallerContextOnlyBoundsTheWait(t *testing.T) {
	h := newHarness(t)
	h.plan.gate = make(chan struct{})
	h.plan.started = make(chan struct{}, 1)
	defer close(h.plan.gate)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.engine.StartCall(ctx, bob, signaling.CallAudio) }()
	<-h.plan.started

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, StateCalling, h.snap().State)
}

// ---------------------------------------------------------------------------
// Incoming calls
// ---------------------------------------------------------------------------

func TestIncomingOfferRings(t *testing.T) {
	h := newHarness(t)
	h.offerFrom(bob, signaling.CallVideo)

	snap := h.snap()
	assert.Equal(t, StateIncoming, snap.State)
	assert.Equal(t, RoleCallee, snap.Role)
	assert.Equal(t, signaling.CallVideo, snap.MediaType)
	assert.True(t, snap.PendingOffer)
	require.NotNil(t, snap.RemotePeer)
	assert.Equal(t, "bob", snap.RemotePeer.ID)
	assert.Equal(t, "Bob", snap.RemotePeer.Name)
	assert.Empty(t, snap.RemotePeer.CallType)
	assert.True(t, h.hasEvent(EventStateChanged))
	assert.Zero(t, h.transportCount())
}

func TestAcceptAppliesCandidatesAfterOffer(t *testing.T) {
	h := newHarness(t)
	h.offerFrom(bob, signaling.CallAudio)
	h.candidateFrom(bob, "c1")
	h.candidateFrom(bob, "c2")
	h.candidateFrom(bob, "c3")
	assert.Equal(t, 3, h.snap().BufferedCandidates)

	require.NoError(t, h.engine.AcceptCall(context.Background()))

	assert.Equal(t, []string{
		"acquire audio",
		"remote offer",
		"candidate c1",
		"candidate c2",
		"candidate c3",
		"create answer",
		"local answer",
	}, h.transport(0).calls())

	snap := h.snap()
	assert.Equal(t, StateConnected, snap.State)
	assert.False(t, snap.PendingOffer)
	assert.Zero(t, snap.BufferedCandidates)
	assert.Equal(t, []signaling.MessageType{signaling.MsgTypeAnswer}, h.relay.types())
	assert.Equal(t, "bob", h.relay.all()[0].target)

	h.candidateFrom(bob, "c4")
	h.snap()
	assert.Equal(t, "candidate c4", h.transport(0).calls()[7])
}

func TestCandidatesAheadOfOfferAreHeld(t *testing.T) {
	h := newHarness(t)
	h.candidateFrom(bob, "early")
	h.candidateFrom(carol, "other")
	assert.Equal(t, 2, h.snap().HeldCandidates)

	h.offerFrom(bob, signaling.CallAudio)
	snap := h.snap()
	assert.Equal(t, 1, snap.BufferedCandidates)
	assert.Zero(t, snap.HeldCandidates)

	h.candidateFrom(bob, "c1")
	require.NoError(t, h.engine.AcceptCall(context.Background()))

	assert.Equal(t, []string{
		"acquire audio",
		"remote offer",
		"candidate early",
		"candidate c1",
		"create answer",
		"local answer",
	}, h.transport(0).calls())
}

func TestHeldCandidatesDroppedOnReset(t *testing.T) {
	h := newHarness(t)
	h.candidateFrom(bob, "early")
	require.NoError(t, h.engine.Reset(context.Background()))
	assert.Zero(t, h.snap().HeldCandidates)

	h.offerFrom(bob, signaling.CallAudio)
	assert.Zero(t, h.snap().BufferedCandidates)
}

func TestCandidatesFromEndedPeerAreStale(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(signaling.CallAudio)
	h.signal(bob, signaling.MsgTypeHangup, nil)
	require.Equal(t, StateEnded, h.snap().State)

	h.candidateFrom(bob, "late")
	assert.Zero(t, h.snap().HeldCandidates)
	assert.NotContains(t, h.transport(0).calls(), "candidate late")
}

func TestCalleeLocalCandidatesFollowAnswer(t *testing.T) {
	h := newHarness(t)
	h.plan.emitLocal = true
	h.offerFrom(bob, signaling.CallAudio)

	require.NoError(t, h.engine.AcceptCall(context.Background()))

	assert.Equal(t, []signaling.MessageType{signaling.MsgTypeAnswer, signaling.MsgTypeCandidate}, h.relay.types())
}

func TestSecondOfferGetsBusy(t *testing.T) {
	h := newHarness(t)
	h.offerFrom(bob, signaling.CallVideo)
	h.offerFrom(carol, signaling.CallAudio)

	sent := h.relay.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "carol", sent[0].target)
	assert.Equal(t, signaling.MsgTypeBusy, sent[0].msg.Type)

	snap := h.snap()
	assert.Equal(t, StateIncoming, snap.State)
	assert.Equal(t, "bob", snap.RemotePeer.ID)
	assert.Equal(t, signaling.CallVideo, snap.MediaType)
	assert.True(t, snap.PendingOffer)
}

func TestOfferWhileCallingGetsBusy(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.StartCall(context.Background(), bob, signaling.CallAudio))
	h.offerFrom(carol, signaling.CallAudio)

	assert.Equal(t, 1, h.relay.count(signaling.MsgTypeBusy))
	assert.Equal(t, StateCalling, h.snap().State)
	assert.Equal(t, "bob", h.snap().RemotePeer.ID)
}

func TestRejectCall(t *testing.T) {
	h := newHarness(t)
	h.offerFrom(bob, signaling.CallAudio)

	require.NoError(t, h.engine.RejectCall(context.Background()))

	assert.Equal(t, []signaling.MessageType{signaling.MsgTypeReject}, h.relay.types())
	snap := h.snap()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.PendingOffer)
	assert.Nil(t, snap.RemotePeer)
	assert.Zero(t, h.transportCount())

	assert.ErrorIs(t, h.engine.RejectCall(context.Background()), ErrInvalidState)
	assert.Equal(t, 1, h.relay.count(signaling.MsgTypeReject))
}

func TestAcceptWithoutPendingOffer(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.engine.AcceptCall(context.Background()), ErrNoPendingOffer)
	assert.Empty(t, h.relay.all())
	assert.Zero(t, h.transportCount())
	assert.Equal(t, StateIdle, h.snap().State)
}

func TestAcceptMediaFailureHangsUp(t *testing.T) {
	h := newHarness(t)
	h.plan.acquireErr = errNoCamera
	h.offerFrom(bob, signaling.CallVideo)

	err := h.engine.AcceptCall(context.Background())
	assert.ErrorIs(t, err, ErrMediaAcquisition)

	assert.Equal(t, []signaling.MessageType{signaling.MsgTypeHangup}, h.relay.types())
	assert.Equal(t, StateIdle, h.snap().State)
}

func TestRemoteHangupDuringAcceptAbandonsCall(t *testing.T) {
	h := newHarness(t)
	h.offerFrom(bob, signaling.CallVideo)
	h.plan.gate = make(chan struct{})
	h.plan.started = make(chan struct{}, 1)

	errCh := make(chan error, 1)
	go func() { errCh <- h.engine.AcceptCall(context.Background()) }()
	<-h.plan.started

	h.signal(bob, signaling.MsgTypeHangup, nil)
	assert.Equal(t, StateEnded, h.snap().State)
	assert.True(t, h.hasEvent(EventRemoteHangup))

	close(h.plan.gate)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCallAbandoned)
	case <-time.After(2 * time.Second):
		t.Fatal("AcceptCall never returned")
	}

	tr := h.transport(0)
	require.Eventually(t, func() bool { return tr.closeCount() == 1 }, time.Second, time.Millisecond)
	assert.True(t, tr.stream(0).Video.(*fakeTrack).stopped.Load())
	assert.NotContains(t, tr.calls(), "remote offer")
	assert.Empty(t, h.relay.all())

	h.clock.Advance(DefaultGraceWindow)
	assert.Equal(t, StateIdle, h.snap().State)
}

// ---------------------------------------------------------------------------
// Termination
// ---------------------------------------------------------------------------

func TestRingTimeoutEndsThenIdles(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.StartCall(context.Background(), bob, signaling.CallAudio))

	h.clock.Advance(DefaultRingTimeout)

	snap := h.snap()
	assert.Equal(t, StateEnded, snap.State)
	require.NotNil(t, snap.RemotePeer)
	assert.Equal(t, "bob", snap.RemotePeer.ID)
	assert.True(t, h.hasEvent(EventRingTimeout))
	assert.Zero(t, h.relay.count(signaling.MsgTypeHangup))
	assert.Equal(t, 1, h.transport(0).closeCount())
	assert.True(t, h.armed(DeadlineGrace))

	h.clock.Advance(DefaultGraceWindow)

	snap = h.snap()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.RemotePeer)
	assert.Zero(t, h.clock.pending())
}

func TestRingTimeoutAfterConnectIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(signaling.CallAudio)

	h.clock.Advance(DefaultRingTimeout)
	assert.Equal(t, StateConnected, h.snap().State)
	assert.False(t, h.hasEvent(EventRingTimeout))
}

func TestLocalHangup(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(signaling.CallVideo)

	tr := h.transport(0)
	tr.mu.Lock()
	stream := tr.streams[0]
	tr.mu.Unlock()

	require.NoError(t, h.engine.Hangup(context.Background()))

	assert.Equal(t, 1, h.relay.count(signaling.MsgTypeHangup))
	assert.Equal(t, 1, tr.closeCount())
	assert.True(t, stream.Audio.(*fakeTrack).stopped.Load())
	assert.True(t, stream.Video.(*fakeTrack).stopped.Load())

	snap := h.snap()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, defaultFlags(), snap.Flags)
	assert.False(t, h.armed(DeadlineRing))
	assert.False(t, h.armed(DeadlineGrace))

	assert.ErrorIs(t, h.engine.Hangup(context.Background()), ErrInvalidState)
	assert.Equal(t, 1, h.relay.count(signaling.MsgTypeHangup))
	assert.Equal(t, 1, tr.closeCount())
}

func TestRemoteHangupEndsThenIdles(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(signaling.CallAudio)

	h.signal(bob, signaling.MsgTypeHangup, nil)

	snap := h.snap()
	assert.Equal(t, StateEnded, snap.State)
	assert.True(t, snap.ConnectedAt.IsZero())
	assert.Equal(t, "bob", snap.RemotePeer.ID)
	assert.True(t, h.hasEvent(EventRemoteHangup))
	assert.Equal(t, 1, h.transport(0).closeCount())
	assert.Zero(t, h.relay.count(signaling.MsgTypeHangup))

	h.clock.Advance(DefaultGraceWindow)
	assert.Equal(t, StateIdle, h.snap().State)
}

func TestHangupFromStrangerIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(signaling.CallAudio)

	h.signal(carol, signaling.MsgTypeHangup, nil)

	assert.Equal(t, StateConnected, h.snap().State)
	assert.Zero(t, h.transport(0).closeCount())
}

func TestRemoteRefusals(t *testing.T) {
	cases := []struct {
		typ  signaling.MessageType
		kind EventKind
	}{
		{signaling.MsgTypeBusy, EventRemoteBusy},
		{signaling.MsgTypeReject, EventRemoteReject},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.engine.StartCall(context.Background(), bob, signaling.CallAudio))

			h.signal(bob, tc.typ, nil)

			assert.Equal(t, StateEnded, h.snap().State)
			assert.True(t, h.hasEvent(tc.kind))
			assert.False(t, h.armed(DeadlineRing))
			assert.True(t, h.armed(DeadlineGrace))
		})
	}
}

func TestBusyWhenConnectedIsStale(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(signaling.CallAudio)

	h.signal(bob, signaling.MsgTypeBusy, nil)
	assert.Equal(t, StateConnected, h.snap().State)
}

func TestNewCallPreemptsGraceWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.StartCall(ctx, bob, signaling.CallAudio))
	h.signal(bob, signaling.MsgTypeBusy, nil)
	require.Equal(t, StateEnded, h.snap().State)

	require.NoError(t, h.engine.StartCall(ctx, carol, signaling.CallAudio))
	assert.False(t, h.armed(DeadlineGrace))

	h.clock.Advance(DefaultGraceWindow)
	snap := h.snap()
	assert.Equal(t, StateCalling, snap.State)
	assert.Equal(t, "carol", snap.RemotePeer.ID)
}

func TestResetIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(signaling.CallAudio)

	require.NoError(t, h.engine.Reset(context.Background()))
	require.NoError(t, h.engine.Reset(context.Background()))

	snap := h.snap()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, defaultFlags(), snap.Flags)
	assert.Equal(t, 1, h.transport(0).closeCount())
	assert.Zero(t, h.clock.pending())
	assert.Zero(t, h.relay.count(signaling.MsgTypeHangup))

	h.clock.Advance(time.Hour)
	assert.Equal(t, StateIdle, h.snap().State)
}

func TestStaleAnswers(t *testing.T) {
	h := newHarness(t)

	h.answerFrom(bob)
	assert.Equal(t, StateIdle, h.snap().State)
	assert.Zero(t, h.transportCount())

	require.NoError(t, h.engine.StartCall(context.Background(), bob, signaling.CallAudio))
	h.answerFrom(carol)
	assert.Equal(t, StateCalling, h.snap().State)
	assert.NotContains(t, h.transport(0).calls(), "remote answer")

	h.answerFrom(bob)
	h.waitState(StateConnected)
	h.answerFrom(bob)
	h.snap()
	assert.Equal(t, 1, countCalls(h.transport(0).calls(), "remote answer"))
}

func TestUnknownSignalIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.signal(bob, signaling.MessageType("dance"), nil)
	assert.Equal(t, StateIdle, h.snap().State)
	assert.Empty(t, h.relay.all())
}

// ---------------------------------------------------------------------------
// Events and lifecycle
// ---------------------------------------------------------------------------

func TestEventsCarryOneCallID(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(signaling.CallAudio)
	require.NoError(t, h.engine.Hangup(context.Background()))

	h.mu.Lock()
	events := append([]Event(nil), h.events...)
	h.mu.Unlock()

	require.NotEmpty(t, events)
	id := events[0].CallID
	assert.NotEmpty(t, id)
	for _, ev := range events {
		assert.Equal(t, id, ev.CallID, "event %s", ev.Kind)
	}
	assert.Equal(t, StateIdle, events[len(events)-1].State)
}

func TestRemoteStreamEvents(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(signaling.CallVideo)

	tr := h.transport(0)
	tr.mu.Lock()
	onRemote := tr.onRemote
	tr.mu.Unlock()
	require.NotNil(t, onRemote)

	onRemote(RemoteStream{ID: "bob-stream", Kind: TrackVideo})
	h.snap()
	assert.True(t, h.hasEvent(EventRemoteStream))

	require.NoError(t, h.engine.Hangup(context.Background()))
	before := len(h.eventKinds())
	onRemote(RemoteStream{ID: "late", Kind: TrackAudio})
	h.snap()
	assert.Len(t, h.eventKinds(), before)
}

func TestCloseReleasesMedia(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(signaling.CallAudio)

	h.engine.Close()

	assert.Equal(t, 1, h.transport(0).closeCount())
	assert.ErrorIs(t, h.engine.StartCall(context.Background(), bob, signaling.CallAudio), ErrEngineClosed)
	assert.Equal(t, StateIdle, h.engine.Snapshot().State)
	select {
	case <-h.engine.Done():
	default:
		t.Fatal("Done not closed")
	}
}
