package rtc

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"meetlink/internal/media"
)

var errCaptureUnsupported = errors.New("local capture is not supported on this platform")

type localTrack interface {
	webrtc.TrackLocal
	Close() error
}

type capturer interface {
	populate(m *webrtc.MediaEngine) error
	open(cfg media.PublisherConfig) ([]localTrack, error)
}

func closeTracks(tracks []localTrack) {
	for _, t := range tracks {
		t.Close()
	}
}
