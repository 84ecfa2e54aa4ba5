//go:build !linux

package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"meetlink/internal/media"
)

// Without camera and microphone drivers the engine can still receive.
type receiveOnlyCapturer struct{}

func newCapturer(zerolog.Logger) (capturer, error) {
	return receiveOnlyCapturer{}, nil
}

func (receiveOnlyCapturer) populate(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (receiveOnlyCapturer) open(media.PublisherConfig) ([]localTrack, error) {
	return nil, errCaptureUnsupported
}
