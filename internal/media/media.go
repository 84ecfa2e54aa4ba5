// Package media describes the capabilities the meeting layer needs from a
// real-time media engine. Concrete engines live elsewhere (see internal/rtc);
// tests substitute fakes.
package media

import (
	"context"
	"errors"
	"fmt"
)

// ErrConnectionLost is reported through OnException when the signaling
// connection goes away underneath a connected session. Unlike other runtime
// errors it ends the session.
var ErrConnectionLost = errors.New("media: signaling connection lost")

type Kind string

const (
	KindVideoInput Kind = "videoinput"
	KindAudioInput Kind = "audioinput"
)

type Device struct {
	ID    string
	Kind  Kind
	Label string
}

// DeviceQuerier lists input devices in engine order.
type DeviceQuerier interface {
	Devices(ctx context.Context) ([]Device, error)
}

// Stream describes a remote stream announced by the signaling server.
type Stream struct {
	ID             string
	ConnectionID   string
	ConnectionData string
	HasAudio       bool
	HasVideo       bool
}

// StreamManager is the handle shared by publishers and subscribers.
type StreamManager interface {
	StreamID() string
	Destroy() error
}

// Publisher is the local outgoing stream. StreamID is empty until published.
type Publisher interface {
	StreamManager
	SetAudio(enabled bool) error
	SetVideo(enabled bool) error
}

type Subscriber interface {
	StreamManager
	Stream() Stream
}

// Session is one connection to a signaling session. Handlers must be
// registered before Connect.
type Session interface {
	OnStreamCreated(func(Stream))
	OnStreamDestroyed(func(Stream))
	OnException(func(error))

	Connect(ctx context.Context, token, data string) error
	Publish(ctx context.Context, p Publisher) error
	Subscribe(ctx context.Context, s Stream) (Subscriber, error)
	Disconnect() error
}

type Engine interface {
	DeviceQuerier
	InitSession() Session
	InitPublisher(ctx context.Context, cfg PublisherConfig) (Publisher, error)
}

// RuntimeError is reported by an engine for problems that do not end the
// session, such as a failed ICE connection on a single stream.
type RuntimeError struct {
	Name    string
	Origin  string
	Message string
}

func (e *RuntimeError) Error() string {
	if e.Origin == "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Name, e.Origin, e.Message)
}
