package media

import "fmt"

type InsertMode string

const InsertAppend InsertMode = "APPEND"

type PublisherConfig struct {
	AudioSource  string // empty selects the default device
	VideoSource  string
	PublishAudio bool
	PublishVideo bool
	Resolution   string
	FrameRate    int
	InsertMode   InsertMode
	Mirror       bool
}

// DefaultPublisherConfig is the fixed publishing policy: both tracks on,
// 640x480 at 30 fps, mirrored local view.
func DefaultPublisherConfig(videoSource string) PublisherConfig {
	return PublisherConfig{
		VideoSource:  videoSource,
		PublishAudio: true,
		PublishVideo: true,
		Resolution:   "640x480",
		FrameRate:    30,
		InsertMode:   InsertAppend,
		Mirror:       true,
	}
}

// Dimensions parses Resolution. Malformed values yield 640x480.
func (c PublisherConfig) Dimensions() (width, height int) {
	var w, h int
	if n, err := fmt.Sscanf(c.Resolution, "%dx%d", &w, &h); err != nil || n != 2 || w <= 0 || h <= 0 {
		return 640, 480
	}
	return w, h
}
