package media

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullSourceAcquire(t *testing.T) {
	src := &NullSource{}

	audio, err := src.Acquire(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	defer audio.Stop()
	assert.Len(t, audio.Audio(), 1)
	assert.Empty(t, audio.Video())

	video, err := src.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer video.Stop()
	require.Len(t, video.Video(), 1)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, video.Video()[0].Kind())
	assert.NotEqual(t, audio.Audio()[0].Track().StreamID(), video.Audio()[0].Track().StreamID())

	assert.Equal(t, 2, src.Acquisitions())
}

func TestNullSourceErrors(t *testing.T) {
	src := &NullSource{Err: ErrPermissionDenied}
	_, err := src.Acquire(context.Background(), Constraints{Audio: true})
	require.ErrorIs(t, err, ErrPermissionDenied)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&NullSource{}).Acquire(ctx, Constraints{Audio: true})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, src.Acquisitions())
}

func TestLocalTrackStopIsIdempotent(t *testing.T) {
	var released int
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "a", "s")
	require.NoError(t, err)
	lt := NewLocalTrack(tr, func() { released++ })
	stream := NewLocalStream(lt)

	stream.Stop()
	stream.Stop()
	lt.Stop()
	assert.Equal(t, 1, released)
	assert.True(t, lt.Stopped())

	var nilStream *LocalStream
	nilStream.Stop()
	assert.Nil(t, nilStream.Tracks())
}

func TestLocalTrackEnableSwapsSenderTrack(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()

	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "s")
	require.NoError(t, err)
	lt := NewLocalTrack(tr, nil)

	// A preference set before binding is applied on Bind.
	require.NoError(t, lt.SetEnabled(false))
	sender, err := pc.AddTrack(tr)
	require.NoError(t, err)
	require.NoError(t, lt.Bind(sender))
	assert.Nil(t, sender.Track())

	require.NoError(t, lt.SetEnabled(true))
	assert.Equal(t, tr, sender.Track())
	require.NoError(t, lt.SetEnabled(true))
	assert.True(t, lt.Enabled())

	require.NoError(t, lt.SetEnabled(false))
	assert.Nil(t, sender.Track())
	assert.Len(t, pc.GetTransceivers(), 1)
}

type fakeRemoteTrack struct {
	kind webrtc.RTPCodecType
	pkts chan *rtp.Packet
}

func (f *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return f.kind }

func (f *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-f.pkts
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

type recordingSink struct {
	mu   sync.Mutex
	seqs []uint16
}

func (s *recordingSink) WriteRTP(_ webrtc.RTPCodecType, pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs = append(s.seqs, pkt.SequenceNumber)
	return nil
}

func TestRemoteStreamMutedPlaybackDrops(t *testing.T) {
	sink := &recordingSink{}
	rs := NewRemoteStream(sink)
	track := &fakeRemoteTrack{kind: webrtc.RTPCodecTypeAudio, pkts: make(chan *rtp.Packet)}
	rs.AddTrack(track)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}, rs.Kinds())

	stats := func(wantPlayed, wantDropped uint64) func() bool {
		return func() bool {
			played, dropped := rs.Stats()
			return played == wantPlayed && dropped == wantDropped
		}
	}

	track.pkts <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 1}}
	require.Eventually(t, stats(1, 0), time.Second, time.Millisecond)
	rs.SetPlaybackMuted(true)
	assert.True(t, rs.PlaybackMuted())
	track.pkts <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 2}}
	track.pkts <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 3}}
	require.Eventually(t, stats(1, 2), time.Second, time.Millisecond)
	rs.SetPlaybackMuted(false)
	track.pkts <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 4}}
	close(track.pkts)
	rs.Wait()

	assert.Equal(t, []uint16{1, 4}, sink.seqs)
	played, dropped := rs.Stats()
	assert.Equal(t, uint64(2), played)
	assert.Equal(t, uint64(2), dropped)
}

func TestRemoteStreamStop(t *testing.T) {
	rs := NewRemoteStream(nil)
	rs.Stop()
	rs.Stop()
	rs.AddTrack(&fakeRemoteTrack{kind: webrtc.RTPCodecTypeVideo, pkts: make(chan *rtp.Packet)})

	done := make(chan struct{})
	go func() { rs.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stopped stream started a pump")
	}
}

func TestClassifyCaptureError(t *testing.T) {
	err := classifyCaptureError(&os.PathError{Op: "open", Path: "/dev/video0", Err: os.ErrPermission})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.ErrorIs(t, classifyCaptureError(errors.New("Not found")), ErrNoDevice)
}

func TestDeviceSourceEmptyConstraints(t *testing.T) {
	s, err := (&DeviceSource{}).Acquire(context.Background(), Constraints{})
	require.NoError(t, err)
	assert.Empty(t, s.Tracks())
}
