// Package controls implements the in-call media toggles. They only act on the
// local side: muting the microphone or camera disables the local tracks
// without renegotiating, and muting the speaker stops local playback of the
// remote stream.
package controls

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/queue"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/session"
)

type State struct {
	AudioEnabled bool
	VideoEnabled bool
	SpeakerMuted bool

	// HasAudio and HasVideo report whether the bound local stream carries a
	// track of that kind.
	HasAudio bool
	HasVideo bool
}

// Panel holds the user's toggle preferences and applies them to whatever
// streams are currently bound. Preferences survive rebinding, so a call that
// starts muted stays muted once its media arrives.
type Panel struct {
	log *slog.Logger

	mu       sync.Mutex
	state    State
	local    *media.LocalStream
	remote   *media.RemoteStream
	watchers map[*queue.Unbounded[State]]struct{}
}

func New(logger *slog.Logger) *Panel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Panel{
		log:      logger.With("component", "controls"),
		state:    State{AudioEnabled: true, VideoEnabled: true},
		watchers: make(map[*queue.Unbounded[State]]struct{}),
	}
}

// Bind attaches the panel to a call's streams. Either may be nil.
func (p *Panel) Bind(local *media.LocalStream, remote *media.RemoteStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if local == p.local && remote == p.remote {
		return nil
	}
	p.local, p.remote = local, remote
	p.state.HasAudio = len(local.Audio()) > 0
	p.state.HasVideo = len(local.Video()) > 0
	err := errors.Join(
		setTracks(local.Audio(), p.state.AudioEnabled),
		setTracks(local.Video(), p.state.VideoEnabled),
	)
	if remote != nil {
		remote.SetPlaybackMuted(p.state.SpeakerMuted)
	}
	p.publishLocked()
	return err
}

func setTracks(tracks []*media.LocalTrack, on bool) error {
	var errs []error
	for _, t := range tracks {
		if err := t.SetEnabled(on); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Panel) SetAudioEnabled(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setAudioLocked(on)
}

func (p *Panel) SetVideoEnabled(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setVideoLocked(on)
}

// SetSpeakerMuted has no effect on what the remote side receives.
func (p *Panel) SetSpeakerMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setSpeakerLocked(muted)
}

// ToggleAudio flips the microphone and returns the new enabled flag.
func (p *Panel) ToggleAudio() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	on := !p.state.AudioEnabled
	return on, p.setAudioLocked(on)
}

func (p *Panel) ToggleVideo() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	on := !p.state.VideoEnabled
	return on, p.setVideoLocked(on)
}

// ToggleSpeaker flips local playback and returns the new muted flag.
func (p *Panel) ToggleSpeaker() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	muted := !p.state.SpeakerMuted
	p.setSpeakerLocked(muted)
	return muted
}

func (p *Panel) setAudioLocked(on bool) error {
	if p.state.AudioEnabled == on {
		return nil
	}
	p.state.AudioEnabled = on
	err := setTracks(p.local.Audio(), on)
	p.log.Debug("microphone toggled", "enabled", on)
	p.publishLocked()
	return err
}

func (p *Panel) setVideoLocked(on bool) error {
	if p.state.VideoEnabled == on {
		return nil
	}
	p.state.VideoEnabled = on
	err := setTracks(p.local.Video(), on)
	p.log.Debug("camera toggled", "enabled", on)
	p.publishLocked()
	return err
}

func (p *Panel) setSpeakerLocked(muted bool) {
	if p.state.SpeakerMuted == muted {
		return
	}
	p.state.SpeakerMuted = muted
	if p.remote != nil {
		p.remote.SetPlaybackMuted(muted)
	}
	p.log.Debug("speaker toggled", "muted", muted)
	p.publishLocked()
}

func (p *Panel) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Watch streams the state after every change.
func (p *Panel) Watch() (<-chan State, func()) {
	w := queue.NewUnbounded[State]()
	p.mu.Lock()
	p.watchers[w] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return w.Out(), func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.watchers, w)
			p.mu.Unlock()
			w.Close()
		})
	}
}

func (p *Panel) publishLocked() {
	for w := range p.watchers {
		w.Push(p.state)
	}
}

// Follow keeps the panel bound to the streams of conversationID's call as
// reported by snapshots, typically from session.Controller.Watch. An empty
// conversationID follows whichever call is live. It returns when ctx is done
// or snapshots closes.
func (p *Panel) Follow(ctx context.Context, snapshots <-chan session.Snapshot, conversationID string) {
	current := conversationID
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if current != "" && snap.ConversationID != current {
				continue
			}
			if conversationID == "" {
				current = snap.ConversationID
				if snap.Status.Terminal() {
					current = ""
				}
			}
			if err := p.Bind(snap.LocalStream, snap.RemoteStream); err != nil {
				p.log.Warn("apply media controls", "conversation_id", snap.ConversationID, "err", err)
			}
		}
	}
}
