package media

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	// An Opus TOC byte for a 20ms CELT frame followed by silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// Payload for synthetic video samples; receivers never decode it.
	vp8Placeholder = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}
)

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 100 * time.Millisecond
)

// NullSource produces synthetic tracks without touching any device. It
// keeps RTP flowing so the remote side observes the tracks.
type NullSource struct {
	Clock clock.Clock
	// Err, when set, is returned by Acquire instead of a stream.
	Err error

	acquisitions atomic.Int64
}

// Acquisitions counts calls to Acquire, successful or not.
func (s *NullSource) Acquisitions() int { return int(s.acquisitions.Load()) }

func (s *NullSource) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	s.acquisitions.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}

	streamID := "aero-" + uuid.NewString()
	var tracks []*LocalTrack
	if c.Audio {
		t, err := newSyntheticTrack(clk, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID, opusSilence, audioFrame)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := newSyntheticTrack(clk, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", streamID, vp8Placeholder, videoFrame)
		if err != nil {
			NewLocalStream(tracks...).Stop()
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return NewLocalStream(tracks...), nil
}

func newSyntheticTrack(clk clock.Clock, capability webrtc.RTPCodecCapability, id, streamID string, payload []byte, every time.Duration) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	go func() {
		ticker := clk.Ticker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// Errors only mean no sender is bound yet.
				_ = track.WriteSample(pionmedia.Sample{Data: payload, Duration: every})
			}
		}
	}()
	return NewLocalTrack(track, func() { close(stop) }), nil
}
