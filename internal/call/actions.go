package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/util"
)

// StartCall rings peer with a call of type t. It returns once the offer has
// been sent, or with a MediaAcquisitionError if local media is unavailable,
// in which case nothing is signaled and the session is idle again.
//
// ctx bounds the wait only; the negotiation itself is bound to the engine.
func (e *Engine) StartCall(ctx context.Context, peer signaling.UserInfo, t signaling.CallType) error {
	return e.do(ctx, func(reply func(error)) {
		e.startCall(peer, t, reply)
	})
}

func (e *Engine) startCall(peer signaling.UserInfo, t signaling.CallType, reply func(error)) {
	if peer.ID == "" || peer.ID == e.self.ID {
		reply(wrapError("start call", ErrInvalidState, "invalid peer id"))
		return
	}
	if err := e.session.BeginOutgoing(peer, t); err != nil {
		reply(err)
		return
	}
	e.timers.Cancel(DeadlineGrace)
	e.timers.Arm(DeadlineRing, e.onRingTimeout)
	util.Stats.AddPlaced()
	util.LogInfo("[%s] calling %s (%s)", e.session.CallID, peer.ID, e.session.MediaType)
	e.publish(Event{Kind: EventStateChanged})

	epoch := e.session.Epoch
	constraints := constraintsFor(e.session.MediaType)
	e.await(func() (func(), func()) {
		tr, stream, err := e.openMedia(constraints)
		return func() { e.onOutgoingMedia(epoch, tr, stream, err, reply) },
			func() { discard(tr, stream) }
	})
}

func (e *Engine) onOutgoingMedia(epoch uint64, tr MediaTransport, stream *LocalStream, err error, reply func(error)) {
	if !e.current(epoch, StateCalling) {
		discard(tr, stream)
		reply(newError("start call", ErrCallAbandoned))
		return
	}
	if err != nil {
		// Nothing reached the peer yet, so no signal goes out.
		util.LogError("[%s] %v", e.session.CallID, err)
		e.teardown()
		reply(err)
		return
	}
	e.adopt(tr, stream)

	e.await(func() (func(), func()) {
		offer, err := tr.CreateOffer(e.ctx)
		if err == nil {
			err = tr.SetLocalDescription(e.ctx, offer)
		}
		return func() { e.onLocalOffer(epoch, offer, err, reply) }, nil
	})
}

func (e *Engine) onLocalOffer(epoch uint64, offer webrtc.SessionDescription, err error, reply func(error)) {
	if !e.current(epoch, StateCalling) {
		reply(newError("start call", ErrCallAbandoned))
		return
	}
	if err != nil {
		util.LogError("[%s] create offer: %v", e.session.CallID, err)
		e.teardown()
		reply(newError("create offer", err))
		return
	}

	e.sendToPeer(signaling.MsgTypeOffer, offer)
	e.markSignaled()
	reply(nil)
}

// AcceptCall answers the pending incoming call. The order is strict: acquire
// media, apply the pending offer, drain buffered candidates, send the answer,
// then connect. Without a pending offer it is a logged no-op returning
// ErrNoPendingOffer.
func (e *Engine) AcceptCall(ctx context.Context) error {
	return e.do(ctx, e.acceptCall)
}

func (e *Engine) acceptCall(reply func(error)) {
	offer, err := e.session.TakePendingOffer()
	if err != nil {
		util.LogWarning("accept ignored: %v", err)
		reply(err)
		return
	}
	util.LogInfo("[%s] accepting call from %s", e.session.CallID, e.session.RemotePeer.ID)

	epoch := e.session.Epoch
	constraints := constraintsFor(e.session.MediaType)
	e.await(func() (func(), func()) {
		tr, stream, err := e.openMedia(constraints)
		return func() { e.onAcceptMedia(epoch, offer, tr, stream, err, reply) },
			func() { discard(tr, stream) }
	})
}

func (e *Engine) onAcceptMedia(epoch uint64, offer webrtc.SessionDescription, tr MediaTransport, stream *LocalStream, err error, reply func(error)) {
	if !e.current(epoch, StateIncoming) {
		discard(tr, stream)
		reply(newError("accept call", ErrCallAbandoned))
		return
	}
	if err != nil {
		// The caller is ringing us and must be told.
		util.LogError("[%s] %v", e.session.CallID, err)
		e.sendToPeer(signaling.MsgTypeHangup, nil)
		e.teardown()
		reply(err)
		return
	}
	e.adopt(tr, stream)

	e.await(func() (func(), func()) {
		err := tr.SetRemoteDescription(e.ctx, offer)
		return func() { e.onAcceptRemote(epoch, err, reply) }, nil
	})
}

func (e *Engine) onAcceptRemote(epoch uint64, err error, reply func(error)) {
	if !e.current(epoch, StateIncoming) {
		reply(newError("accept call", ErrCallAbandoned))
		return
	}
	if err != nil {
		e.abort("apply offer", err, reply)
		return
	}
	e.drainCandidates()

	tr := e.transport
	e.await(func() (func(), func()) {
		answer, err := tr.CreateAnswer(e.ctx)
		if err == nil {
			err = tr.SetLocalDescription(e.ctx, answer)
		}
		return func() { e.onLocalAnswer(epoch, answer, err, reply) }, nil
	})
}

func (e *Engine) onLocalAnswer(epoch uint64, answer webrtc.SessionDescription, err error, reply func(error)) {
	if !e.current(epoch, StateIncoming) {
		reply(newError("accept call", ErrCallAbandoned))
		return
	}
	if err != nil {
		e.abort("create answer", err, reply)
		return
	}

	e.sendToPeer(signaling.MsgTypeAnswer, answer)
	e.markSignaled()
	e.session.Connect(e.clock.Now())
	util.Stats.AddAnswered()
	util.LogInfo("[%s] connected with %s", e.session.CallID, e.session.RemotePeer.ID)
	e.publish(Event{Kind: EventStateChanged})
	reply(nil)
}

// abort hangs up a call whose negotiation failed after the peer got involved.
func (e *Engine) abort(op string, err error, reply func(error)) {
	cerr := newError(op, err)
	util.LogError("[%s] %v", e.session.CallID, cerr)
	e.publish(Event{Kind: EventError, Err: cerr})
	e.sendToPeer(signaling.MsgTypeHangup, nil)
	e.teardown()
	if reply != nil {
		reply(cerr)
	}
}

// drainCandidates applies buffered candidates in arrival order and seals the
// buffer. The remote description must already be applied.
func (e *Engine) drainCandidates() {
	for _, c := range e.session.Candidates().Flush() {
		e.applyCandidate(c)
	}
}

func (e *Engine) applyCandidate(c webrtc.ICECandidateInit) {
	if err := e.transport.AddCandidate(c); err != nil {
		util.LogWarning("[%s] add candidate: %v", e.session.CallID, err)
	}
}

// RejectCall declines the incoming call and returns to idle at once.
func (e *Engine) RejectCall(ctx context.Context) error {
	return e.do(ctx, func(reply func(error)) {
		if e.session.State != StateIncoming {
			reply(wrapError("reject call", ErrInvalidState, string(e.session.State)))
			return
		}
		util.LogInfo("[%s] rejecting call from %s", e.session.CallID, e.session.RemotePeer.ID)
		e.sendToPeer(signaling.MsgTypeReject, nil)
		e.teardown()
		reply(nil)
	})
}

// Hangup ends the current call and returns to idle at once.
func (e *Engine) Hangup(ctx context.Context) error {
	return e.do(ctx, func(reply func(error)) {
		if !e.session.Active(StateCalling, StateIncoming, StateConnected) {
			reply(wrapError("hangup", ErrInvalidState, string(e.session.State)))
			return
		}
		util.LogInfo("[%s] hanging up", e.session.CallID)
		e.sendToPeer(signaling.MsgTypeHangup, nil)
		e.teardown()
		reply(nil)
	})
}

func (e *Engine) onRingTimeout() {
	if e.session.State != StateCalling {
		return
	}
	// TODO: send a cancel signal once peers understand one; until then the
	// callee keeps a stale pending offer.
	util.LogWarning("[%s] no answer from %s", e.session.CallID, e.session.RemotePeer.ID)
	e.finish(EventRingTimeout, nil)
}
