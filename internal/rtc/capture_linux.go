//go:build linux

package rtc

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"meetlink/internal/media"
)

type deviceCapturer struct {
	logger   zerolog.Logger
	selector *mediadevices.CodecSelector
}

func newCapturer(logger zerolog.Logger) (capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &deviceCapturer{
		logger: logger,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (c *deviceCapturer) populate(m *webrtc.MediaEngine) error {
	c.selector.Populate(m)
	return nil
}

// open captures the camera and, when available, the microphone. A missing
// microphone degrades to a video-only publisher.
func (c *deviceCapturer) open(cfg media.PublisherConfig) ([]localTrack, error) {
	width, height := cfg.Dimensions()

	video := func(t *mediadevices.MediaTrackConstraints) {
		if cfg.VideoSource != "" {
			t.DeviceID = prop.String(cfg.VideoSource)
		}
		t.Width = prop.Int(width)
		t.Height = prop.Int(height)
		if cfg.FrameRate > 0 {
			t.FrameRate = prop.Float(cfg.FrameRate)
		}
	}
	audio := func(t *mediadevices.MediaTrackConstraints) {
		if cfg.AudioSource != "" {
			t.DeviceID = prop.String(cfg.AudioSource)
		}
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: video,
		Audio: audio,
		Codec: c.selector,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("audio and video capture failed, retrying video only")
		stream, err = mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: video,
			Codec: c.selector,
		})
		if err != nil {
			return nil, err
		}
	}

	var tracks []localTrack
	for _, t := range stream.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				c.logger.Warn().Err(err).Str("track", t.ID()).Msg("local track ended")
			}
		})
		tracks = append(tracks, t)
	}
	return tracks, nil
}
