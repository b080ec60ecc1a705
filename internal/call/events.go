package call

import "github.com/1ureka/duocall/internal/signaling"

// EventKind classifies engine notifications.
type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventRemoteBusy   EventKind = "remote_busy"
	EventRemoteReject EventKind = "remote_reject"
	EventRemoteHangup EventKind = "remote_hangup"
	EventRingTimeout  EventKind = "ring_timeout"
	EventRemoteStream EventKind = "remote_stream"
	EventError        EventKind = "error"
)

// Event is published to the observer from the engine loop.
type Event struct {
	Kind   EventKind
	CallID string
	State  State
	Peer   *signaling.UserInfo
	Stream *RemoteStream
	Err    error
}

// Observer receives engine events. It runs on the engine loop and must not
// block or call back into the engine synchronously.
type Observer func(Event)
