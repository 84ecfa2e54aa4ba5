package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
)

// rpcClient is a JSON-RPC 2.0 client over a websocket. Server notifications
// are delivered in arrival order on the connection's read goroutine, so
// notify must not block on a call made through the same client.
type rpcClient struct {
	conn   *jsonrpc2.Conn
	ws     *websocket.Conn
	logger zerolog.Logger
}

// notifyHandler forwards server notifications. OpenVidu never sends requests
// that expect an answer; any that arrive are rejected.
type notifyHandler func(method string, params json.RawMessage)

func (h notifyHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if !req.Notif {
		conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: fmt.Sprintf("method %q not supported", req.Method),
		})
		return
	}
	if h == nil {
		return
	}
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	h(req.Method, params)
}

func dialRPC(ctx context.Context, dialer *websocket.Dialer, url string, logger zerolog.Logger, notify func(string, json.RawMessage)) (*rpcClient, error) {
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	rpcLogger := logger.With().Str("component", "jsonrpc").Logger()
	conn := jsonrpc2.NewConn(
		context.Background(),
		wsstream.NewObjectStream(ws),
		notifyHandler(notify),
		jsonrpc2.SetLogger(&rpcLogger),
	)
	return &rpcClient{conn: conn, ws: ws, logger: logger}, nil
}

func (c *rpcClient) call(ctx context.Context, method string, params, result any) error {
	if result == nil {
		var discard json.RawMessage
		result = &discard
	}
	if err := c.conn.Call(ctx, method, params, result); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// disconnected is closed once the socket is gone, for whatever reason.
func (c *rpcClient) disconnected() <-chan struct{} {
	return c.conn.DisconnectNotify()
}

// close sends a websocket close frame and releases the connection.
func (c *rpcClient) close() error {
	select {
	case <-c.conn.DisconnectNotify():
		return nil
	default:
	}

	werr := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	if err := c.conn.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		return fmt.Errorf("failed to close signaling socket: %w", err)
	}
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		c.logger.Debug().Err(werr).Msg("close frame not sent")
	}
	return nil
}
