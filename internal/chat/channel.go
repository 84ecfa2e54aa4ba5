package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrConnectFailure = errors.New("chat: connect failed")
	ErrNotConnected   = errors.New("chat: not connected")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

type Message struct {
	Destination string
	ContentType string
	Body        []byte
}

// Client is what the connect callback gets to set up subscriptions.
type Client interface {
	Subscribe(destination string, handler func(Message)) (unsubscribe func() error, err error)
	Send(destination, contentType string, body []byte) error
}

// Conn is a live broker connection.
type Conn interface {
	Client
	Disconnect() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string, headers map[string]string) (Conn, error)
}

type Config struct {
	Logger   *zerolog.Logger
	Endpoint string
	Headers  map[string]string
	// Dialer defaults to a STOMP over websocket dialer.
	Dialer Dialer
}

// Channel is one broker connection with its own lifecycle, independent of
// the meeting session. It never reconnects by itself.
type Channel struct {
	logger zerolog.Logger
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	conn  Conn
}

// Open starts connecting in the background. onConnected runs once the
// connection is up and receives the client to subscribe with; onError runs
// if the connection attempt fails. Either callback may be nil.
func Open(ctx context.Context, cfg Config, onConnected func(Client), onError func(error)) *Channel {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "chat").Str("endpoint", cfg.Endpoint).Logger()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &StompDialer{}
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		logger: logger,
		cancel: cancel,
		state:  StateConnecting,
	}

	go c.connect(ctx, dialer, cfg, onConnected, onError)
	return c
}

func (c *Channel) connect(ctx context.Context, dialer Dialer, cfg Config, onConnected func(Client), onError func(error)) {
	conn, err := dialer.Dial(ctx, cfg.Endpoint, cfg.Headers)

	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		if err == nil {
			c.logger.Debug().Msg("connection completed after close, dropping it")
			if derr := conn.Disconnect(); derr != nil {
				c.logger.Warn().Err(derr).Msg("disconnect of late connection failed")
			}
		}
		return
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("chat connection failed")
		if onError != nil {
			onError(errors.Join(ErrConnectFailure, err))
		}
		return
	}
	c.conn = conn
	c.state = StateSubscribed
	c.mu.Unlock()

	c.logger.Info().Msg("chat connected")
	if onConnected != nil {
		onConnected(conn)
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send publishes body to destination on the live connection.
func (c *Channel) Send(destination, contentType string, body []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(destination, contentType, body)
}

// Close disconnects the channel. Disconnect errors are logged, never
// returned. Calling Close more than once is harmless.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		c.cancel()
		return
	}
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn == nil {
		return
	}
	if err := conn.Disconnect(); err != nil {
		c.logger.Warn().Err(err).Msg("chat disconnect failed")
		return
	}
	c.logger.Info().Msg("chat disconnected")
}
