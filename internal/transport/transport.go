// Package transport implements the call media transport on pion WebRTC.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/call"
	"github.com/1ureka/duocall/internal/util"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Transport wraps a single PeerConnection carrying the audio and optional
// video of one call.
//
// Its lifecycle is governed by Close and the context passed at construction
// time. The PeerConnection state is logged but does not drive teardown.
type Transport struct {
	pc       *webrtc.PeerConnection
	streamID string
	sources  SourceFactory

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu      sync.RWMutex
	senders map[call.TrackKind]*webrtc.RTPSender
}

var _ call.MediaTransport = (*Transport)(nil)

// Factory returns a call.TransportFactory creating one Transport per call.
// The pion API is built once and shared.
func Factory(cfg Config) (call.TransportFactory, error) {
	api, err := newAPI(cfg.PLIInterval)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (call.MediaTransport, error) {
		return New(ctx, api, cfg)
	}, nil
}

// New creates a Transport backed by a new PeerConnection on api.
func New(ctx context.Context, api *webrtc.API, cfg Config) (*Transport, error) {
	pc, err := newPeerConnection(api, cfg.STUNServers)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	sources := cfg.Sources
	if sources == nil {
		sources = DefaultSources
	}

	tCtx, tCancel := context.WithCancel(ctx)
	t := &Transport{
		pc:       pc,
		streamID: "duocall-" + uuid.NewString(),
		sources:  sources,
		ctx:      tCtx,
		cancel:   tCancel,
		senders:  make(map[call.TrackKind]*webrtc.RTPSender),
	}

	// Informational only.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
	})

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Close shuts down the PeerConnection. Tracks belong to the LocalStream and
// are stopped by its owner.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.pc.Close()
	})
	return err
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AcquireMedia opens capture sources for c. The first track of each kind is
// attached to the PeerConnection; later ones are handed out detached for
// ReplaceOutboundTrack.
func (t *Transport) AcquireMedia(ctx context.Context, c call.Constraints) (*call.LocalStream, error) {
	if err := t.ctx.Err(); err != nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream := &call.LocalStream{}
	if c.Audio {
		track, err := t.openTrack(call.TrackAudio, c)
		if err != nil {
			return nil, &call.MediaAcquisitionError{Constraints: c, Err: err}
		}
		stream.Audio = track
	}
	if c.Video != nil {
		track, err := t.openTrack(call.TrackVideo, c)
		if err != nil {
			stream.Stop()
			return nil, &call.MediaAcquisitionError{Constraints: c, Err: err}
		}
		stream.Video = track
	}
	return stream, nil
}

func (t *Transport) openTrack(kind call.TrackKind, c call.Constraints) (*localTrack, error) {
	src, err := t.sources(kind, c)
	if err != nil {
		return nil, fmt.Errorf("open %s source: %w", kind, err)
	}

	track, err := newLocalTrack(t.ctx, kind, t.streamID, src)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.senders[kind]; ok {
		return track, nil
	}

	sender, err := t.pc.AddTrack(track.track)
	if err != nil {
		track.Stop()
		return nil, fmt.Errorf("add %s track: %w", kind, err)
	}
	t.senders[kind] = sender
	go drainRTCP(sender)

	return track, nil
}

// drainRTCP reads inbound RTCP so the interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// ReplaceOutboundTrack swaps the track sent for kind without renegotiation.
func (t *Transport) ReplaceOutboundTrack(kind call.TrackKind, track call.Track) error {
	lt, ok := track.(*localTrack)
	if !ok {
		return fmt.Errorf("replace %s track: foreign track %T", kind, track)
	}

	t.mu.RLock()
	sender := t.senders[kind]
	t.mu.RUnlock()
	if sender == nil {
		return fmt.Errorf("replace %s track: no %s sender", kind, kind)
	}
	return sender.ReplaceTrack(lt.track)
}

// OnRemoteStream registers a callback invoked for each inbound track.
func (t *Transport) OnRemoteStream(fn func(call.RemoteStream)) {
	t.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(call.RemoteStream{
			ID:   remote.StreamID(),
			Kind: call.TrackKind(remote.Kind().String()),
		})

		// Playback belongs to the device layer; keep the RTP flowing.
		for {
			if _, _, err := remote.ReadRTP(); err != nil {
				return
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP and starts ICE gathering.
func (t *Transport) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.pc.SetLocalDescription(desc)
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(desc)
}

// OnLocalCandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. The end-of-gathering marker is not reported.
func (t *Transport) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// AddCandidate adds a remote ICE candidate received through signaling.
func (t *Transport) AddCandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}
