package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/signaling"
)

// TrackKind is the media kind of a track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Facing selects the camera for video capture.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

const (
	idealWidth  = 1280
	idealHeight = 720
)

// VideoConstraints describes the requested camera and resolution.
type VideoConstraints struct {
	Facing Facing
	Width  int
	Height int
}

// Constraints describes which local media to acquire. A nil Video means no
// video track.
type Constraints struct {
	Audio bool
	Video *VideoConstraints
}

func (c Constraints) String() string {
	switch {
	case c.Audio && c.Video != nil:
		return fmt.Sprintf("audio+video(%s)", c.Video.Facing)
	case c.Video != nil:
		return fmt.Sprintf("video(%s)", c.Video.Facing)
	case c.Audio:
		return "audio"
	default:
		return "no media"
	}
}

func facingFor(front bool) Facing {
	if front {
		return FacingUser
	}
	return FacingEnvironment
}

// constraintsFor returns the constraints for the start of a call.
func constraintsFor(t signaling.CallType) Constraints {
	c := Constraints{Audio: true}
	if t == signaling.CallVideo {
		c.Video = &VideoConstraints{Facing: FacingUser, Width: idealWidth, Height: idealHeight}
	}
	return c
}

// videoOnly returns the constraints used when swapping cameras.
func videoOnly(front bool) Constraints {
	return Constraints{
		Video: &VideoConstraints{Facing: facingFor(front), Width: idealWidth, Height: idealHeight},
	}
}

// Track is a local media track.
type Track interface {
	Kind() TrackKind
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// LocalStream groups the local tracks of a call. Either may be nil.
type LocalStream struct {
	Audio Track
	Video Track
}

// Stop stops every track in the stream.
func (s *LocalStream) Stop() {
	if s == nil {
		return
	}
	if s.Audio != nil {
		s.Audio.Stop()
	}
	if s.Video != nil {
		s.Video.Stop()
	}
}

// RemoteStream reports inbound media from the peer.
type RemoteStream struct {
	ID   string
	Kind TrackKind
}

// MediaTransport is the media stack of one call. Calls that take a context
// may suspend; the engine never invokes them on its loop.
type MediaTransport interface {
	AcquireMedia(ctx context.Context, c Constraints) (*LocalStream, error)
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddCandidate(c webrtc.ICECandidateInit) error
	ReplaceOutboundTrack(kind TrackKind, track Track) error
	OnRemoteStream(fn func(RemoteStream))
	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	Close() error
}

// TransportFactory creates the transport for a new call.
type TransportFactory func(ctx context.Context) (MediaTransport, error)
