package controls

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/session"
)

func acquire(t *testing.T, c media.Constraints) *media.LocalStream {
	t.Helper()
	src := &media.NullSource{Clock: clock.NewMock()}
	stream, err := src.Acquire(context.Background(), c)
	require.NoError(t, err)
	t.Cleanup(stream.Stop)
	return stream
}

func TestTogglesApplyToBoundTracks(t *testing.T) {
	p := New(nil)
	local := acquire(t, media.Constraints{Audio: true, Video: true})
	remote := media.NewRemoteStream(nil)
	require.NoError(t, p.Bind(local, remote))

	st := p.State()
	assert.True(t, st.HasAudio)
	assert.True(t, st.HasVideo)
	assert.True(t, st.AudioEnabled)

	on, err := p.ToggleAudio()
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, local.Audio()[0].Enabled())
	assert.True(t, local.Video()[0].Enabled())

	on, err = p.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, local.Video()[0].Enabled())

	assert.True(t, p.ToggleSpeaker())
	assert.True(t, remote.PlaybackMuted())
	// Speaker muting never touches the outgoing tracks.
	assert.False(t, local.Audio()[0].Stopped())

	on, err = p.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, on)
	assert.True(t, local.Audio()[0].Enabled())
}

func TestConcurrentTogglesAreNotLost(t *testing.T) {
	p := New(nil)
	local := acquire(t, media.Constraints{Audio: true, Video: true})
	require.NoError(t, p.Bind(local, media.NewRemoteStream(nil)))

	const n = 200
	var (
		wg                          sync.WaitGroup
		mu                          sync.Mutex
		audioOn, videoOn, speakerOn int
	)
	for i := 0; i < n; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			on, err := p.ToggleAudio()
			assert.NoError(t, err)
			if on {
				mu.Lock()
				audioOn++
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			on, err := p.ToggleVideo()
			assert.NoError(t, err)
			if on {
				mu.Lock()
				videoOn++
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			if p.ToggleSpeaker() {
				mu.Lock()
				speakerOn++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// An even number of flips returns every toggle to where it started, with
	// each flip observing a distinct state.
	st := p.State()
	assert.True(t, st.AudioEnabled)
	assert.True(t, st.VideoEnabled)
	assert.False(t, st.SpeakerMuted)
	assert.Equal(t, n/2, audioOn)
	assert.Equal(t, n/2, videoOn)
	assert.Equal(t, n/2, speakerOn)
	assert.True(t, local.Audio()[0].Enabled())
	assert.True(t, local.Video()[0].Enabled())
}

func TestPreferencesSurviveRebind(t *testing.T) {
	p := New(nil)
	require.NoError(t, p.SetAudioEnabled(false))
	p.SetSpeakerMuted(true)

	local := acquire(t, media.Constraints{Audio: true})
	remote := media.NewRemoteStream(nil)
	require.NoError(t, p.Bind(local, remote))
	assert.False(t, local.Audio()[0].Enabled())
	assert.True(t, remote.PlaybackMuted())
	assert.False(t, p.State().HasVideo)

	require.NoError(t, p.Bind(nil, nil))
	assert.False(t, p.State().HasAudio)
	assert.False(t, p.State().AudioEnabled)
}

func TestSettersAreIdempotentAndPublish(t *testing.T) {
	p := New(nil)
	ch, stop := p.Watch()
	defer stop()

	require.NoError(t, p.SetVideoEnabled(false))
	require.NoError(t, p.SetVideoEnabled(false))
	p.SetSpeakerMuted(true)

	var got []State
	for len(got) < 2 {
		select {
		case st := <-ch:
			got = append(got, st)
		case <-time.After(time.Second):
			t.Fatalf("got %d states", len(got))
		}
	}
	assert.False(t, got[0].VideoEnabled)
	assert.False(t, got[0].SpeakerMuted)
	assert.True(t, got[1].SpeakerMuted)

	select {
	case st := <-ch:
		t.Fatalf("unexpected state %+v", st)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFollowBindsSnapshotStreams(t *testing.T) {
	p := New(nil)
	require.NoError(t, p.SetAudioEnabled(false))
	local := acquire(t, media.Constraints{Audio: true})

	snaps := make(chan session.Snapshot, 3)
	snaps <- session.Snapshot{ConversationID: "other", LocalStream: acquire(t, media.Constraints{Audio: true})}
	snaps <- session.Snapshot{ConversationID: "c1", Status: session.StatusConnected, LocalStream: local}
	close(snaps)

	p.Follow(context.Background(), snaps, "c1")
	assert.True(t, p.State().HasAudio)
	assert.False(t, local.Audio()[0].Enabled())
}

func TestFollowTracksLiveCall(t *testing.T) {
	p := New(nil)
	first := acquire(t, media.Constraints{Audio: true})
	second := acquire(t, media.Constraints{Audio: true, Video: true})

	snaps := make(chan session.Snapshot, 4)
	snaps <- session.Snapshot{ConversationID: "c1", Status: session.StatusConnected, LocalStream: first}
	// Ignored while c1 is live.
	snaps <- session.Snapshot{ConversationID: "c2", Status: session.StatusConnecting, LocalStream: second}
	snaps <- session.Snapshot{ConversationID: "c1", Status: session.StatusEnded}
	close(snaps)
	p.Follow(context.Background(), snaps, "")
	assert.False(t, p.State().HasAudio)

	snaps = make(chan session.Snapshot, 1)
	snaps <- session.Snapshot{ConversationID: "c2", Status: session.StatusConnected, LocalStream: second}
	close(snaps)
	p.Follow(context.Background(), snaps, "")
	assert.True(t, p.State().HasVideo)
}
