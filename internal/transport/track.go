package transport

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/call"
	"github.com/1ureka/duocall/internal/util"
)

// localTrack is a captured track. A single pump goroutine moves samples from
// its source to the pion track; disabled tracks keep pumping but drop the
// samples, so re-enabling needs no renegotiation.
type localTrack struct {
	kind    call.TrackKind
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

var _ call.Track = (*localTrack)(nil)

func newLocalTrack(ctx context.Context, kind call.TrackKind, streamID string, src Source) (*localTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == call.TrackVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, string(kind), streamID)
	if err != nil {
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)
	t := &localTrack{
		kind:   kind,
		track:  track,
		ctx:    tCtx,
		cancel: tCancel,
	}
	t.enabled.Store(true)

	go t.pump(src)

	return t, nil
}

// pump is the single writer of the track.
func (t *localTrack) pump(src Source) {
	for {
		sample, err := src.NextSample(t.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				util.LogWarning("%s source: %v", t.kind, err)
			}
			return
		}
		if !t.enabled.Load() {
			continue
		}
		if err := t.track.WriteSample(sample); err != nil && !errors.Is(err, context.Canceled) {
			util.LogDebug("%s write: %v", t.kind, err)
		}
	}
}

func (t *localTrack) Kind() call.TrackKind { return t.kind }

func (t *localTrack) SetEnabled(on bool) { t.enabled.Store(on) }

func (t *localTrack) Enabled() bool { return t.enabled.Load() }

func (t *localTrack) Stop() { t.cancel() }
