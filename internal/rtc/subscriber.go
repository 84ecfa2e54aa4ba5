package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"meetlink/internal/media"
)

type subscriber struct {
	logger  zerolog.Logger
	session *session
	pc      *webrtc.PeerConnection
	stream  media.Stream

	destroyOnce sync.Once
	releaseOnce sync.Once
}

func (s *subscriber) StreamID() string { return s.stream.ID }

func (s *subscriber) Stream() media.Stream { return s.stream }

func (s *subscriber) Destroy() error {
	var err error
	s.destroyOnce.Do(func() {
		err = s.session.unsubscribe(s.stream.ID)
		s.release()
	})
	return err
}

func (s *subscriber) release() {
	s.releaseOnce.Do(func() {
		if err := s.pc.Close(); err != nil {
			s.logger.Debug().Err(err).Str("stream_id", s.stream.ID).Msg("subscriber peer connection close failed")
		}
	})
}

func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, st media.Stream) error {
	kinds := []webrtc.RTPCodecType{}
	if st.HasAudio {
		kinds = append(kinds, webrtc.RTPCodecTypeAudio)
	}
	if st.HasVideo {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	if len(kinds) == 0 {
		kinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}
	}

	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

// drainTrack consumes incoming RTP so the receive pipeline keeps flowing.
// Rendering is out of scope; packets are dropped.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
