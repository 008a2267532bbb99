package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Sink plays remote media.
type Sink interface {
	WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) error
}

// DiscardSink drops everything. Headless clients use it.
type DiscardSink struct{}

func (DiscardSink) WriteRTP(webrtc.RTPCodecType, *rtp.Packet) error { return nil }

// RemoteTrack is the read side of a received track; *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RemoteStream pumps received tracks into a Sink. While playback is muted,
// packets are still read off the network and then dropped.
type RemoteStream struct {
	sink Sink

	mu    sync.Mutex
	kinds []webrtc.RTPCodecType

	muted   atomic.Bool
	played  atomic.Uint64
	dropped atomic.Uint64

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewRemoteStream(sink Sink) *RemoteStream {
	if sink == nil {
		sink = DiscardSink{}
	}
	return &RemoteStream{sink: sink, done: make(chan struct{})}
}

// AddTrack starts pumping tr. The pump ends when the track read fails, which
// happens once the peer connection closes.
func (s *RemoteStream) AddTrack(tr RemoteTrack) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	s.kinds = append(s.kinds, tr.Kind())
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		kind := tr.Kind()
		for {
			pkt, _, err := tr.ReadRTP()
			if err != nil {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			if s.muted.Load() {
				s.dropped.Add(1)
				continue
			}
			if err := s.sink.WriteRTP(kind, pkt); err != nil {
				return
			}
			s.played.Add(1)
		}
	}()
}

func (s *RemoteStream) Kinds() []webrtc.RTPCodecType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), s.kinds...)
}

func (s *RemoteStream) SetPlaybackMuted(muted bool) { s.muted.Store(muted) }
func (s *RemoteStream) PlaybackMuted() bool         { return s.muted.Load() }

// Stats returns the number of packets played and dropped while muted.
func (s *RemoteStream) Stats() (played, dropped uint64) {
	return s.played.Load(), s.dropped.Load()
}

// Stop ends playback. Pumps blocked in a read exit when the track closes.
func (s *RemoteStream) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.done) })
}

// Wait blocks until every pump has exited.
func (s *RemoteStream) Wait() { s.wg.Wait() }
