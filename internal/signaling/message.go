// Package signaling carries call signals between endpoints over a WebSocket
// relay keyed by user id.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies the kind of call signal.
type MessageType string

const (
	MsgTypeOffer     MessageType = "offer"
	MsgTypeAnswer    MessageType = "answer"
	MsgTypeCandidate MessageType = "candidate"
	MsgTypeBusy      MessageType = "busy"
	MsgTypeReject    MessageType = "reject"
	MsgTypeHangup    MessageType = "hangup"
)

// CallType is the media class of a call.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

// UserInfo is the display metadata of an endpoint. CallType is only
// meaningful on the sender info of an offer.
type UserInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Avatar   string   `json:"avatar"`
	CallType CallType `json:"callType,omitempty"`
}

// Message is the signal exchanged between two endpoints.
type Message struct {
	Type           MessageType     `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	SenderID       string          `json:"senderId"`
	SenderUserInfo *UserInfo       `json:"senderUserInfo,omitempty"`
}

// NewMessage builds a signal from sender with payload encoded as JSON.
// A nil payload is sent as null.
func NewMessage(typ MessageType, payload any, sender UserInfo) (Message, error) {
	msg := Message{
		Type:           typ,
		SenderID:       sender.ID,
		SenderUserInfo: &sender,
	}
	if payload == nil {
		return msg, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	msg.Payload = data
	return msg, nil
}

// hasPayload reports whether the message carries a non-null payload.
func (m *Message) hasPayload() bool {
	return len(m.Payload) > 0 && string(m.Payload) != "null"
}

// Description decodes the payload of an offer or answer.
func (m *Message) Description() (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if !m.hasPayload() {
		return desc, fmt.Errorf("%s without description", m.Type)
	}
	if err := json.Unmarshal(m.Payload, &desc); err != nil {
		return desc, fmt.Errorf("decode %s description: %w", m.Type, err)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("%s with empty sdp", m.Type)
	}
	return desc, nil
}

// Candidate decodes the payload of a candidate signal.
func (m *Message) Candidate() (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if !m.hasPayload() {
		return init, fmt.Errorf("candidate without payload")
	}
	if err := json.Unmarshal(m.Payload, &init); err != nil {
		return init, fmt.Errorf("decode candidate: %w", err)
	}
	return init, nil
}

// EnvelopeTypeRTCSignal marks relay frames that carry a call signal.
const EnvelopeTypeRTCSignal = "RTC_SIGNAL"

// Envelope is the relay frame. Outbound, UserID is the target; inbound, the
// relay rewrites it to the sender. Data holds the JSON-encoded Message.
type Envelope struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Data   string `json:"data"`
}

// Seal wraps msg into an envelope addressed to userID.
func Seal(userID string, msg Message) (Envelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode signal: %w", err)
	}
	return Envelope{Type: EnvelopeTypeRTCSignal, UserID: userID, Data: string(data)}, nil
}

// Open decodes the signal carried by env.
func (env Envelope) Open() (Message, error) {
	var msg Message
	if env.Type != EnvelopeTypeRTCSignal {
		return msg, fmt.Errorf("unexpected envelope type %q", env.Type)
	}
	if err := json.Unmarshal([]byte(env.Data), &msg); err != nil {
		return msg, fmt.Errorf("decode signal: %w", err)
	}
	return msg, nil
}
