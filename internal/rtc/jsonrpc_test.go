package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/jsonrpc2"
)

type rpcFrame struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Error  *struct {
		Code int64 `json:"code"`
	} `json:"error"`
}

// fakeServer is a websocket peer that hands each request to handle. handle
// returns the frames to write back, in order.
type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []rpcFrame
	conns    []*websocket.Conn
}

func newFakeServer(t *testing.T, handle func(req rpcFrame) []any) *fakeServer {
	fs := &fakeServer{}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()

		fs.mu.Lock()
		fs.conns = append(fs.conns, ws)
		fs.mu.Unlock()

		for {
			var req rpcFrame
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			fs.mu.Lock()
			fs.requests = append(fs.requests, req)
			fs.mu.Unlock()

			for _, out := range handle(req) {
				fs.mu.Lock()
				err := ws.WriteJSON(out)
				fs.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) methods() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, 0, len(fs.requests))
	for _, r := range fs.requests {
		out = append(out, r.Method)
	}
	return out
}

// push writes an unsolicited frame on every open connection.
func (fs *fakeServer) push(v any) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, ws := range fs.conns {
		ws.WriteJSON(v)
	}
}

func result(id uint64, v any) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": id, "result": v}
}

func notification(method string, params any) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "method": method, "params": params}
}

func TestRPCCall(t *testing.T) {
	srv := newFakeServer(t, func(req rpcFrame) []any {
		switch req.Method {
		case "echo":
			return []any{
				notification("tick", map[string]int{"n": 1}),
				result(req.ID, json.RawMessage(req.Params)),
			}
		case "fail":
			return []any{map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]any{"code": 401, "message": "unauthorized"},
			}}
		}
		return nil
	})

	notified := make(chan string, 4)
	ctx := context.Background()
	c, err := dialRPC(ctx, websocket.DefaultDialer, srv.wsURL(), zerolog.Nop(), func(method string, _ json.RawMessage) {
		notified <- method
	})
	if err != nil {
		t.Fatalf("dialRPC() error = %v", err)
	}
	defer c.close()

	var out struct {
		Value string `json:"value"`
	}
	if err := c.call(ctx, "echo", map[string]string{"value": "hello"}, &out); err != nil {
		t.Fatalf("call(echo) error = %v", err)
	}
	if out.Value != "hello" {
		t.Errorf("echo result = %q, want hello", out.Value)
	}

	select {
	case m := <-notified:
		if m != "tick" {
			t.Errorf("notification = %q, want tick", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	err = c.call(ctx, "fail", nil, nil)
	var rerr *jsonrpc2.Error
	if !errors.As(err, &rerr) || rerr.Code != 401 {
		t.Errorf("call(fail) error = %v, want rpc error 401", err)
	}
}

func TestRPCRejectsServerRequests(t *testing.T) {
	replies := make(chan rpcFrame, 1)
	srv := newFakeServer(t, func(req rpcFrame) []any {
		if req.Method == "" {
			replies <- req
			return nil
		}
		return []any{map[string]any{"jsonrpc": "2.0", "id": 99, "method": "shutdown"}}
	})

	notified := make(chan string, 1)
	c, err := dialRPC(context.Background(), websocket.DefaultDialer, srv.wsURL(), zerolog.Nop(), func(method string, _ json.RawMessage) {
		notified <- method
	})
	if err != nil {
		t.Fatalf("dialRPC() error = %v", err)
	}
	defer c.close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.call(ctx, "trigger", nil, nil)

	select {
	case r := <-replies:
		if r.ID != 99 || r.Error == nil || r.Error.Code != jsonrpc2.CodeMethodNotFound {
			t.Errorf("reply = %+v, want method not found for id 99", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server request not answered")
	}
	select {
	case m := <-notified:
		t.Errorf("request delivered as notification %q", m)
	default:
	}
}

func TestRPCCallTimeout(t *testing.T) {
	srv := newFakeServer(t, func(rpcFrame) []any { return nil })

	c, err := dialRPC(context.Background(), websocket.DefaultDialer, srv.wsURL(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("dialRPC() error = %v", err)
	}
	defer c.close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.call(ctx, "silent", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("call() error = %v, want deadline exceeded", err)
	}
}

func TestRPCClosed(t *testing.T) {
	srv := newFakeServer(t, func(rpcFrame) []any { return nil })

	c, err := dialRPC(context.Background(), websocket.DefaultDialer, srv.wsURL(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("dialRPC() error = %v", err)
	}
	if err := c.close(); err != nil {
		t.Fatalf("close() error = %v", err)
	}
	if err := c.close(); err != nil {
		t.Errorf("second close() error = %v", err)
	}

	select {
	case <-c.disconnected():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
	if err := c.call(context.Background(), "late", nil, nil); !errors.Is(err, jsonrpc2.ErrClosed) {
		t.Errorf("call() after close error = %v, want jsonrpc2.ErrClosed", err)
	}
}

func TestDialRPCUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := dialRPC(ctx, websocket.DefaultDialer, "ws://127.0.0.1:1/openvidu", zerolog.Nop(), nil); err == nil {
		t.Fatal("dialRPC() expected error")
	}
}
