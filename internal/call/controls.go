package call

import (
	"context"

	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/util"
)

// ToggleMute flips the local audio track and the Muted flag.
func (e *Engine) ToggleMute(ctx context.Context) (ControlFlags, error) {
	return e.toggle(ctx, "toggle mute", func() error {
		if e.stream == nil || e.stream.Audio == nil {
			return wrapError("toggle mute", ErrInvalidState, "no local audio")
		}
		e.session.Flags.Muted = !e.session.Flags.Muted
		e.stream.Audio.SetEnabled(!e.session.Flags.Muted)
		return nil
	})
}

// ToggleCamera flips the local video track and the CameraOn flag.
func (e *Engine) ToggleCamera(ctx context.Context) (ControlFlags, error) {
	return e.toggle(ctx, "toggle camera", func() error {
		if e.stream == nil || e.stream.Video == nil {
			return wrapError("toggle camera", ErrInvalidState, "no local video")
		}
		e.session.Flags.CameraOn = !e.session.Flags.CameraOn
		e.stream.Video.SetEnabled(e.session.Flags.CameraOn)
		return nil
	})
}

// ToggleSpeaker flips the SpeakerOn flag. Output routing belongs to the
// device layer, so no media call is made.
func (e *Engine) ToggleSpeaker(ctx context.Context) (ControlFlags, error) {
	return e.toggle(ctx, "toggle speaker", func() error {
		if e.session.State == StateIdle {
			return wrapError("toggle speaker", ErrInvalidState, string(e.session.State))
		}
		e.session.Flags.SpeakerOn = !e.session.Flags.SpeakerOn
		return nil
	})
}

func (e *Engine) toggle(ctx context.Context, op string, fn func() error) (ControlFlags, error) {
	type result struct {
		flags ControlFlags
		err   error
	}
	res := make(chan result, 1)
	ok := e.post(func() {
		err := fn()
		if err == nil {
			util.LogDebug("[%s] %s: %+v", e.session.CallID, op, e.session.Flags)
		}
		res <- result{flags: e.session.Flags, err: err}
	})
	if !ok {
		return ControlFlags{}, ErrEngineClosed
	}

	select {
	case r := <-res:
		return r.flags, r.err
	case <-ctx.Done():
		return ControlFlags{}, ctx.Err()
	case <-e.done:
		return ControlFlags{}, ErrEngineClosed
	}
}

// SwitchCamera swaps the outbound video to the other camera without a new
// offer/answer exchange. It only applies to a connected video call and is a
// no-op otherwise. The audio track, and with it the mute state, is kept.
func (e *Engine) SwitchCamera(ctx context.Context) error {
	return e.do(ctx, e.switchCamera)
}

func (e *Engine) switchCamera(reply func(error)) {
	if e.session.State != StateConnected || e.session.MediaType != signaling.CallVideo || e.transport == nil {
		reply(wrapError("switch camera", ErrInvalidState, string(e.session.State)+"/"+string(e.session.MediaType)))
		return
	}
	if e.switching {
		reply(wrapError("switch camera", ErrInvalidState, "switch in progress"))
		return
	}
	e.switching = true

	if e.stream.Video != nil {
		e.stream.Video.Stop()
		e.stream.Video = nil
	}
	front := !e.session.Flags.FrontCamera
	e.session.Flags.FrontCamera = front

	epoch := e.session.Epoch
	tr := e.transport
	constraints := videoOnly(front)
	e.await(func() (func(), func()) {
		stream, err := tr.AcquireMedia(e.ctx, constraints)
		return func() { e.onCameraSwitched(epoch, stream, err, reply) },
			func() { stream.Stop() }
	})
}

func (e *Engine) onCameraSwitched(epoch uint64, stream *LocalStream, err error, reply func(error)) {
	if !e.current(epoch, StateConnected) {
		stream.Stop()
		reply(newError("switch camera", ErrCallAbandoned))
		return
	}
	e.switching = false

	if err == nil && (stream == nil || stream.Video == nil) {
		err = wrapError("switch camera", ErrMediaAcquisition, "no video track")
	}
	if err != nil {
		stream.Stop()
		e.session.Flags.FrontCamera = !e.session.Flags.FrontCamera
		util.LogError("[%s] switch camera: %v", e.session.CallID, err)
		e.publish(Event{Kind: EventError, Err: err})
		reply(err)
		return
	}
	if stream.Audio != nil {
		stream.Audio.Stop()
	}

	video := stream.Video
	if err := e.transport.ReplaceOutboundTrack(TrackVideo, video); err != nil {
		video.Stop()
		e.session.Flags.FrontCamera = !e.session.Flags.FrontCamera
		cerr := newError("replace video track", err)
		util.LogError("[%s] %v", e.session.CallID, cerr)
		e.publish(Event{Kind: EventError, Err: cerr})
		reply(cerr)
		return
	}

	video.SetEnabled(e.session.Flags.CameraOn)
	e.stream.Video = video
	if e.stream.Audio != nil {
		e.stream.Audio.SetEnabled(!e.session.Flags.Muted)
	}
	util.LogInfo("[%s] switched to %s camera", e.session.CallID, facingFor(e.session.Flags.FrontCamera))
	reply(nil)
}
