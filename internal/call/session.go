package call

import (
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/signaling"
)

// State is the phase of the local call.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// Role is the side the local endpoint plays in the current call.
type Role string

const (
	RoleNone   Role = ""
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// ControlFlags are the local media controls. Only the local user's toggles
// change them.
type ControlFlags struct {
	Muted       bool
	CameraOn    bool
	FrontCamera bool
	SpeakerOn   bool
}

func defaultFlags() ControlFlags {
	return ControlFlags{CameraOn: true, FrontCamera: true}
}

func flagsFor(t signaling.CallType) ControlFlags {
	return ControlFlags{
		CameraOn:    t == signaling.CallVideo,
		FrontCamera: true,
		SpeakerOn:   t == signaling.CallVideo,
	}
}

// Limits of the candidates held for senders whose offer has not arrived.
const (
	maxEarlySenders    = 8
	maxEarlyCandidates = 32
)

// Session is the single call record of a local endpoint. It is reset in
// place, never replaced, and only the engine loop touches it.
type Session struct {
	State       State
	Role        Role
	MediaType   signaling.CallType
	RemotePeer  *signaling.UserInfo
	Flags       ControlFlags
	ConnectedAt time.Time

	// CallID correlates logs and events of one call. Local only.
	CallID string

	// Epoch changes whenever an in-flight negotiation must be abandoned.
	Epoch uint64

	pendingOffer *webrtc.SessionDescription
	candidates   CandidateBuffer

	// early holds candidates, keyed by sender, that overtook the sender's
	// offer while no call was active.
	early map[string][]webrtc.ICECandidateInit
}

// NewSession returns an idle session.
func NewSession() *Session {
	s := &Session{}
	s.Reset()
	return s
}

// Reset rebuilds every field to its idle default.
func (s *Session) Reset() {
	epoch := s.Epoch + 1
	*s = Session{
		State:     StateIdle,
		MediaType: signaling.CallAudio,
		Flags:     defaultFlags(),
		Epoch:     epoch,
	}
}

// CanBegin reports whether a new call may start. An ended session may be
// preempted before its grace window runs out.
func (s *Session) CanBegin() bool {
	return s.State == StateIdle || s.State == StateEnded
}

func (s *Session) begin(state State, role Role, peer signaling.UserInfo, t signaling.CallType) {
	if !t.Valid() {
		t = signaling.CallAudio
	}
	epoch := s.Epoch + 1
	*s = Session{
		State:      state,
		Role:       role,
		MediaType:  t,
		RemotePeer: &peer,
		Flags:      flagsFor(t),
		CallID:     uuid.NewString(),
		Epoch:      epoch,
	}
}

// BeginOutgoing moves to calling as the caller.
func (s *Session) BeginOutgoing(peer signaling.UserInfo, t signaling.CallType) error {
	if !s.CanBegin() {
		return wrapError("start call", ErrInvalidState, string(s.State))
	}
	s.begin(StateCalling, RoleCaller, peer, t)
	return nil
}

// BeginIncoming moves to incoming as the callee and stores offer as the
// pending offer.
func (s *Session) BeginIncoming(peer signaling.UserInfo, t signaling.CallType, offer webrtc.SessionDescription) error {
	if !s.CanBegin() {
		return wrapError("incoming call", ErrProtocolViolation, string(s.State))
	}
	early := s.early[peer.ID]
	s.begin(StateIncoming, RoleCallee, peer, t)
	s.pendingOffer = &offer
	for _, c := range early {
		s.candidates.Push(c)
	}
	return nil
}

// HoldEarly keeps a candidate from sender until the sender's offer arrives.
// It reports false once the holding area is full. Starting any call or
// resetting drops everything held.
func (s *Session) HoldEarly(sender string, c webrtc.ICECandidateInit) bool {
	if s.early == nil {
		s.early = make(map[string][]webrtc.ICECandidateInit)
	}
	q, known := s.early[sender]
	if (!known && len(s.early) >= maxEarlySenders) || len(q) >= maxEarlyCandidates {
		return false
	}
	s.early[sender] = append(q, c)
	return true
}

func (s *Session) heldCount() int {
	n := 0
	for _, q := range s.early {
		n += len(q)
	}
	return n
}

// TakePendingOffer consumes the pending offer. It is only available to the
// callee while incoming.
func (s *Session) TakePendingOffer() (webrtc.SessionDescription, error) {
	if s.State != StateIncoming || s.Role != RoleCallee || s.pendingOffer == nil {
		return webrtc.SessionDescription{}, newError("accept call", ErrNoPendingOffer)
	}
	offer := *s.pendingOffer
	s.pendingOffer = nil
	return offer, nil
}

// HasPendingOffer reports whether an offer awaits the user's decision.
func (s *Session) HasPendingOffer() bool { return s.pendingOffer != nil }

// Connect moves to connected and stamps the connection time.
func (s *Session) Connect(now time.Time) error {
	if s.State != StateCalling && s.State != StateIncoming {
		return wrapError("connect", ErrInvalidState, string(s.State))
	}
	s.State = StateConnected
	s.ConnectedAt = now
	return nil
}

// End moves an active call to ended. The remote peer is kept for the
// terminal screen; everything negotiated is dropped.
func (s *Session) End() error {
	if s.State == StateIdle || s.State == StateEnded {
		return wrapError("end call", ErrInvalidState, string(s.State))
	}
	s.State = StateEnded
	s.ConnectedAt = time.Time{}
	s.pendingOffer = nil
	s.candidates.Discard()
	s.Epoch++
	return nil
}

// Active reports whether the session is in one of the given states.
func (s *Session) Active(states ...State) bool {
	for _, st := range states {
		if s.State == st {
			return true
		}
	}
	return false
}

// IsPeer reports whether id is the remote party of the current call.
func (s *Session) IsPeer(id string) bool {
	return s.RemotePeer != nil && s.RemotePeer.ID == id
}

// Candidates returns the buffer of the current call.
func (s *Session) Candidates() *CandidateBuffer { return &s.candidates }

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	State              State
	Role               Role
	MediaType          signaling.CallType
	RemotePeer         *signaling.UserInfo
	Flags              ControlFlags
	ConnectedAt        time.Time
	CallID             string
	PendingOffer       bool
	BufferedCandidates int
	HeldCandidates     int
}

// Snapshot copies the session.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		State:              s.State,
		Role:               s.Role,
		MediaType:          s.MediaType,
		Flags:              s.Flags,
		ConnectedAt:        s.ConnectedAt,
		CallID:             s.CallID,
		PendingOffer:       s.pendingOffer != nil,
		BufferedCandidates: s.candidates.Len(),
		HeldCandidates:     s.heldCount(),
	}
	if s.RemotePeer != nil {
		peer := *s.RemotePeer
		snap.RemotePeer = &peer
	}
	return snap
}
