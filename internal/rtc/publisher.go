package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"meetlink/internal/media"
)

type sendSlot struct {
	track  localTrack
	sender *webrtc.RTPSender
}

type publisher struct {
	logger zerolog.Logger
	pc     *webrtc.PeerConnection
	cfg    media.PublisherConfig
	tracks []localTrack

	audio *sendSlot
	video *sendSlot

	mu       sync.Mutex
	session  *session
	streamID string
	audioOn  bool
	videoOn  bool

	destroyOnce sync.Once
	releaseOnce sync.Once
}

func (p *publisher) StreamID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamID
}

func (p *publisher) SetAudio(enabled bool) error {
	return p.toggle(p.audio, "audioActive", "publishAudio", &p.audioOn, enabled)
}

func (p *publisher) SetVideo(enabled bool) error {
	return p.toggle(p.video, "videoActive", "publishVideo", &p.videoOn, enabled)
}

// toggle swaps the outgoing track for silence or black and tells the other
// participants. Before publishing only the desired state is recorded.
func (p *publisher) toggle(slot *sendSlot, property, reason string, flag *bool, enabled bool) error {
	p.mu.Lock()
	*flag = enabled
	sess, id := p.session, p.streamID
	p.mu.Unlock()

	if slot == nil || sess == nil {
		return nil
	}
	if err := slot.apply(enabled); err != nil {
		return err
	}
	sess.streamPropertyChanged(id, property, enabled, reason)
	return nil
}

func (s *sendSlot) apply(enabled bool) error {
	var track webrtc.TrackLocal
	if enabled {
		track = s.track
	}
	return s.sender.ReplaceTrack(track)
}

// attach is called once the server accepted the stream.
func (p *publisher) attach(sess *session, streamID string) {
	p.mu.Lock()
	p.session = sess
	p.streamID = streamID
	audioOn, videoOn := p.audioOn, p.videoOn
	p.mu.Unlock()

	if p.audio != nil && !audioOn {
		if err := p.audio.apply(false); err != nil {
			p.logger.Warn().Err(err).Msg("failed to mute audio")
		}
	}
	if p.video != nil && !videoOn {
		if err := p.video.apply(false); err != nil {
			p.logger.Warn().Err(err).Msg("failed to mute video")
		}
	}
}

func (p *publisher) detach() (*session, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, id := p.session, p.streamID
	p.session = nil
	return sess, id
}

func (p *publisher) active() (audio, video bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audioOn, p.videoOn
}

// Destroy unpublishes the stream if it is live and releases the capture
// devices.
func (p *publisher) Destroy() error {
	var err error
	p.destroyOnce.Do(func() {
		if sess, id := p.detach(); sess != nil {
			err = sess.unpublish(id)
		}
		p.release()
	})
	return err
}

func (p *publisher) release() {
	p.releaseOnce.Do(func() {
		if err := p.pc.Close(); err != nil {
			p.logger.Debug().Err(err).Msg("publisher peer connection close failed")
		}
		closeTracks(p.tracks)
	})
}
