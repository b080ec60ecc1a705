package transport

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/duocall/internal/call"
)

// Source produces encoded samples for one local track. NextSample blocks
// until a sample is ready or ctx is done.
type Source interface {
	NextSample(ctx context.Context) (media.Sample, error)
}

// SourceFactory opens a capture source of kind under constraints c.
type SourceFactory func(kind call.TrackKind, c call.Constraints) (Source, error)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const opusFrame = 20 * time.Millisecond

// DefaultSources captures silence for audio and produces no video frames.
// A terminal has no capture devices; the tracks are still negotiated so the
// remote side renders our stream.
func DefaultSources(kind call.TrackKind, _ call.Constraints) (Source, error) {
	if kind == call.TrackAudio {
		return &silenceSource{}, nil
	}
	return idleSource{}, nil
}

type silenceSource struct {
	next time.Time
}

func (s *silenceSource) NextSample(ctx context.Context) (media.Sample, error) {
	now := time.Now()
	if s.next.IsZero() {
		s.next = now
	}
	if wait := s.next.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return media.Sample{}, ctx.Err()
		}
	}
	s.next = s.next.Add(opusFrame)
	return media.Sample{Data: opusSilence, Duration: opusFrame}, nil
}

type idleSource struct{}

func (idleSource) NextSample(ctx context.Context) (media.Sample, error) {
	<-ctx.Done()
	return media.Sample{}, ctx.Err()
}
