// Package rtc is a media engine for OpenVidu servers built on pion. It speaks
// the OpenVidu JSON-RPC signaling protocol over a websocket, publishes local
// camera and microphone tracks and receives remote streams.
package rtc

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"meetlink/internal/media"
)

type Config struct {
	Logger     *zerolog.Logger
	ICEServers []string
	// InsecureTLS skips certificate checks on the signaling socket, for
	// development servers with self-signed certificates.
	InsecureTLS  bool
	PingInterval time.Duration
	Platform     string
}

type Engine struct {
	logger       zerolog.Logger
	api          *webrtc.API
	capture      capturer
	iceServers   []webrtc.ICEServer
	dialer       *websocket.Dialer
	pingInterval time.Duration
	platform     string
}

func NewEngine(cfg *Config) (*Engine, error) {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "rtc").Logger()
	}

	capture, err := newCapturer(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up capture: %w", err)
	}

	api, err := createWebRTCApi(capture)
	if err != nil {
		return nil, err
	}

	dialer := *websocket.DefaultDialer
	if cfg.InsecureTLS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 5 * time.Second
	}
	platform := cfg.Platform
	if platform == "" {
		platform = "meetlink"
	}

	var iceServers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &Engine{
		logger:       logger,
		api:          api,
		capture:      capture,
		iceServers:   iceServers,
		dialer:       &dialer,
		pingInterval: pingInterval,
		platform:     platform,
	}, nil
}

func createWebRTCApi(capture capturer) (*webrtc.API, error) {
	settingEngine := webrtc.SettingEngine{}

	factory := logging.NewDefaultLoggerFactory()
	factory.DefaultLogLevel = logging.LogLevelError
	settingEngine.LoggerFactory = factory

	mediaEngine := &webrtc.MediaEngine{}
	if err := capture.populate(mediaEngine); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func (e *Engine) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

func (e *Engine) Devices(ctx context.Context) ([]media.Device, error) {
	var out []media.Device
	for _, info := range mediadevices.EnumerateDevices() {
		if d, ok := toDevice(info); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func toDevice(info mediadevices.MediaDeviceInfo) (media.Device, bool) {
	var kind media.Kind
	switch info.Kind {
	case mediadevices.VideoInput:
		kind = media.KindVideoInput
	case mediadevices.AudioInput:
		kind = media.KindAudioInput
	default:
		return media.Device{}, false
	}
	return media.Device{ID: info.DeviceID, Kind: kind, Label: info.Label}, true
}

func (e *Engine) InitSession() media.Session {
	return newSession(e)
}

// InitPublisher captures the configured devices and prepares a send-only
// peer connection. Nothing is sent until the publisher is published.
func (e *Engine) InitPublisher(ctx context.Context, cfg media.PublisherConfig) (media.Publisher, error) {
	tracks, err := e.capture.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to capture media: %w", err)
	}

	pc, err := e.newPeerConnection()
	if err != nil {
		closeTracks(tracks)
		return nil, err
	}

	p := &publisher{
		logger:  e.logger,
		pc:      pc,
		cfg:     cfg,
		tracks:  tracks,
		audioOn: cfg.PublishAudio,
		videoOn: cfg.PublishVideo,
	}

	for _, track := range tracks {
		tx, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			p.release()
			return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		go drainRTCP(tx.Sender())

		slot := &sendSlot{track: track, sender: tx.Sender()}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			p.audio = slot
		case webrtc.RTPCodecTypeVideo:
			p.video = slot
		}
	}

	e.logger.Info().Int("tracks", len(tracks)).Str("video_source", cfg.VideoSource).Msg("publisher initialized")
	return p, nil
}

// drainRTCP keeps interceptors running by reading until the sender is closed.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
