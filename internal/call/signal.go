package call

import (
	"errors"

	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/util"
)

// HandleSignal feeds an inbound relay message to the engine. It is the sole
// consumer registered on the relay and never blocks on negotiation.
func (e *Engine) HandleSignal(msg signaling.Message) {
	e.post(func() {
		util.Stats.AddRecv()
		if err := e.dispatch(msg); err != nil {
			switch {
			case errors.Is(err, ErrStaleSignal):
				util.LogDebug("[%s] %v", e.session.CallID, err)
			default:
				util.LogWarning("[%s] %v", e.session.CallID, err)
			}
		}
	})
}

func (e *Engine) dispatch(msg signaling.Message) error {
	util.LogDebug("received %s from %s in %s", msg.Type, msg.SenderID, e.session.State)

	switch msg.Type {
	case signaling.MsgTypeOffer:
		return e.onOffer(msg)
	case signaling.MsgTypeAnswer:
		return e.onAnswer(msg)
	case signaling.MsgTypeCandidate:
		return e.onCandidate(msg)
	case signaling.MsgTypeHangup:
		return e.onRemoteHangup(msg)
	case signaling.MsgTypeBusy:
		return e.onRemoteRefusal(msg, EventRemoteBusy)
	case signaling.MsgTypeReject:
		return e.onRemoteRefusal(msg, EventRemoteReject)
	default:
		return wrapError("handle signal", ErrProtocolViolation, "unknown type "+string(msg.Type))
	}
}

func (e *Engine) onOffer(msg signaling.Message) error {
	if msg.SenderID == "" || msg.SenderUserInfo == nil {
		return wrapError("handle offer", ErrProtocolViolation, "missing sender info")
	}
	if !e.session.CanBegin() {
		e.send(msg.SenderID, signaling.MsgTypeBusy, nil)
		return wrapError("handle offer", ErrProtocolViolation, "busy in "+string(e.session.State))
	}

	offer, err := msg.Description()
	if err != nil {
		return wrapError("handle offer", ErrProtocolViolation, err.Error())
	}

	peer := *msg.SenderUserInfo
	peer.ID = msg.SenderID
	t := peer.CallType
	if !t.Valid() {
		t = signaling.CallAudio
	}
	peer.CallType = ""

	e.timers.Cancel(DeadlineGrace)
	if err := e.session.BeginIncoming(peer, t, offer); err != nil {
		return err
	}
	util.LogInfo("[%s] incoming %s call from %s", e.session.CallID, t, peer.ID)
	e.publish(Event{Kind: EventStateChanged})
	return nil
}

func (e *Engine) onAnswer(msg signaling.Message) error {
	if e.session.State != StateCalling || !e.session.IsPeer(msg.SenderID) || e.transport == nil || !e.signaled {
		return wrapError("handle answer", ErrStaleSignal, "in "+string(e.session.State))
	}
	if e.answering {
		return wrapError("handle answer", ErrStaleSignal, "duplicate answer")
	}
	answer, err := msg.Description()
	if err != nil {
		return wrapError("handle answer", ErrProtocolViolation, err.Error())
	}

	// Candidates keep queuing until the answer is applied.
	e.answering = true
	epoch := e.session.Epoch
	tr := e.transport
	e.await(func() (func(), func()) {
		err := tr.SetRemoteDescription(e.ctx, answer)
		return func() { e.onRemoteAnswer(epoch, err) }, nil
	})
	return nil
}

func (e *Engine) onRemoteAnswer(epoch uint64, err error) {
	if !e.current(epoch, StateCalling) {
		return
	}
	if err != nil {
		e.abort("apply answer", err, nil)
		return
	}
	e.drainCandidates()

	e.timers.Cancel(DeadlineRing)
	e.session.Connect(e.clock.Now())
	util.LogInfo("[%s] connected with %s", e.session.CallID, e.session.RemotePeer.ID)
	e.publish(Event{Kind: EventStateChanged})
}

func (e *Engine) onCandidate(msg signaling.Message) error {
	// Idle or ended, a candidate from anyone but the last peer may have
	// overtaken its offer.
	early := e.session.CanBegin()
	if early == e.session.IsPeer(msg.SenderID) {
		return wrapError("handle candidate", ErrStaleSignal, "in "+string(e.session.State))
	}
	if msg.SenderID == "" {
		return wrapError("handle candidate", ErrProtocolViolation, "missing sender")
	}
	c, err := msg.Candidate()
	if err != nil {
		return wrapError("handle candidate", ErrProtocolViolation, err.Error())
	}

	if early {
		if !e.session.HoldEarly(msg.SenderID, c) {
			return wrapError("handle candidate", ErrStaleSignal, "too many candidates ahead of an offer")
		}
		return nil
	}

	if !e.session.Candidates().Push(c) {
		e.applyCandidate(c)
	}
	return nil
}

func (e *Engine) onRemoteHangup(msg signaling.Message) error {
	if !e.session.Active(StateCalling, StateIncoming, StateConnected) || !e.session.IsPeer(msg.SenderID) {
		return wrapError("handle hangup", ErrStaleSignal, "in "+string(e.session.State))
	}
	util.LogInfo("[%s] %s hung up", e.session.CallID, msg.SenderID)
	e.finish(EventRemoteHangup, nil)
	return nil
}

func (e *Engine) onRemoteRefusal(msg signaling.Message, kind EventKind) error {
	if e.session.State != StateCalling || !e.session.IsPeer(msg.SenderID) {
		return wrapError("handle "+string(msg.Type), ErrStaleSignal, "in "+string(e.session.State))
	}
	util.LogInfo("[%s] %s answered %s", e.session.CallID, msg.SenderID, msg.Type)
	e.finish(kind, nil)
	return nil
}
