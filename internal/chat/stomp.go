package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait = 10 * time.Second
)

// StompDialer speaks STOMP over a plain websocket, which is what a SockJS
// endpoint exposes under its /websocket suffix.
type StompDialer struct {
	Logger    *zerolog.Logger
	WebSocket *websocket.Dialer
	// HeartBeat is offered to the broker for both directions. Zero disables
	// heart-beating.
	HeartBeat time.Duration
}

func (d *StompDialer) Dial(ctx context.Context, endpoint string, headers map[string]string) (Conn, error) {
	wsDialer := d.WebSocket
	if wsDialer == nil {
		wsDialer = websocket.DefaultDialer
	}

	ws, _, err := wsDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(d.HeartBeat, d.HeartBeat),
	}
	for k, v := range headers {
		opts = append(opts, stomp.ConnOpt.Header(k, v))
	}

	sc, err := stomp.Connect(newWSStream(ws), opts...)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("stomp connect failed: %w", err)
	}

	logger := zerolog.Nop()
	if d.Logger != nil {
		logger = d.Logger.With().Str("component", "stomp").Logger()
	}
	return &stompConn{conn: sc, logger: logger}, nil
}

type stompConn struct {
	conn   *stomp.Conn
	logger zerolog.Logger
}

func (c *stompConn) Subscribe(destination string, handler func(Message)) (func() error, error) {
	sub, err := c.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s failed: %w", destination, err)
	}

	go func() {
		for msg := range sub.C {
			if msg.Err != nil {
				c.logger.Warn().Err(msg.Err).Str("destination", destination).Msg("subscription ended")
				return
			}
			handler(Message{
				Destination: msg.Destination,
				ContentType: msg.ContentType,
				Body:        msg.Body,
			})
		}
	}()

	return func() error { return sub.Unsubscribe() }, nil
}

func (c *stompConn) Send(destination, contentType string, body []byte) error {
	return c.conn.Send(destination, contentType, body)
}

func (c *stompConn) Disconnect() error {
	return c.conn.Disconnect()
}

// wsStream presents a websocket as a byte stream. Every Write becomes one
// text message; reads continue across message boundaries.
type wsStream struct {
	ws *websocket.Conn

	rmu    sync.Mutex
	reader io.Reader

	wmu sync.Mutex
}

func newWSStream(ws *websocket.Conn) *wsStream {
	return &wsStream{ws: ws}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	for {
		if s.reader == nil {
			_, r, err := s.ws.NextReader()
			if err != nil {
				return 0, err
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.wmu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.wmu.Unlock()
	return s.ws.Close()
}
