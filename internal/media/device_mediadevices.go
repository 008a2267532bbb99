//go:build linux && mediadevices

package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

func (s *DeviceSource) codecSelector() (*mediadevices.CodecSelector, error) {
	_, _, bitRate := s.dimensions()
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = bitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// RegisterCodecs registers the encoders capture tracks are produced with.
func (s *DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	sel, err := s.codecSelector()
	if err != nil {
		return err
	}
	sel.Populate(m)
	return nil
}

func (s *DeviceSource) acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	var haveAudio, haveVideo bool
	for _, d := range mediadevices.EnumerateDevices() {
		switch d.Kind {
		case mediadevices.AudioInput:
			haveAudio = true
		case mediadevices.VideoInput:
			haveVideo = true
		}
		s.logger().Debug("media device", "kind", d.Kind, "label", d.Label)
	}
	if c.Audio && !haveAudio {
		return nil, fmt.Errorf("%w: no microphone", ErrNoDevice)
	}
	if c.Video && !haveVideo {
		return nil, fmt.Errorf("%w: no camera", ErrNoDevice)
	}

	sel, err := s.codecSelector()
	if err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: sel}
	if c.Video {
		w, h, _ := s.dimensions()
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit frames the VP8 encoder rejects.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: w}
			mc.Height = prop.IntRanged{Max: h}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(constraints)
		ch <- result{stream, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		go func() {
			if late := <-ch; late.err == nil {
				for _, t := range late.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, classifyCaptureError(res.err)
	}

	var tracks []*LocalTrack
	for _, t := range res.stream.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger().Warn("capture track ended", "kind", t.Kind().String(), "err", err)
			}
		})
		tracks = append(tracks, NewLocalTrack(t, func() { _ = t.Close() }))
	}
	return NewLocalStream(tracks...), nil
}
