// Package media provides the local capture and remote playback streams a
// call attaches to its peer connection.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrNoDevice         = errors.New("media: no capture device")
)

// Constraints selects which kinds of capture a stream needs.
type Constraints struct {
	Audio bool
	Video bool
}

// Source acquires local capture. Acquire may block for as long as the
// platform takes to grant access; it must honor ctx.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*LocalStream, error)
}

// CodecRegistrar is implemented by sources whose tracks need codecs beyond
// the webrtc defaults.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// LocalTrack is one captured track. Disabling it swaps a nil track into the
// bound sender so the remote receives nothing, without renegotiation.
type LocalTrack struct {
	track   webrtc.TrackLocal
	release func()

	mu      sync.Mutex
	enabled bool
	sender  *webrtc.RTPSender
	stopped bool
}

func NewLocalTrack(track webrtc.TrackLocal, release func()) *LocalTrack {
	return &LocalTrack{track: track, release: release, enabled: true}
}

func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *LocalTrack) Track() webrtc.TrackLocal   { return t.track }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled is idempotent.
func (t *LocalTrack) SetEnabled(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == on {
		return nil
	}
	t.enabled = on
	if t.sender == nil || t.stopped {
		return nil
	}
	if on {
		return t.sender.ReplaceTrack(t.track)
	}
	return t.sender.ReplaceTrack(nil)
}

// Bind records the sender carrying this track, applying the current enabled
// flag to it.
func (t *LocalTrack) Bind(s *webrtc.RTPSender) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sender = s
	if !t.enabled {
		return s.ReplaceTrack(nil)
	}
	return nil
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stop releases the capture. It is safe to call more than once.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	if t.release != nil {
		t.release()
	}
}

type LocalStream struct {
	tracks []*LocalTrack
	once   sync.Once
}

func NewLocalStream(tracks ...*LocalTrack) *LocalStream {
	return &LocalStream{tracks: tracks}
}

func (s *LocalStream) Tracks() []*LocalTrack {
	if s == nil {
		return nil
	}
	return s.tracks
}

func (s *LocalStream) Audio() []*LocalTrack { return s.ofKind(webrtc.RTPCodecTypeAudio) }
func (s *LocalStream) Video() []*LocalTrack { return s.ofKind(webrtc.RTPCodecTypeVideo) }

func (s *LocalStream) ofKind(kind webrtc.RTPCodecType) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track once.
func (s *LocalStream) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}
