package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"meetlink/internal/chat"
	"meetlink/internal/devices"
	"meetlink/internal/meeting"
	"meetlink/internal/openvidu"
	"meetlink/internal/streams"
)

type mockManager struct{ id string }

func (m mockManager) StreamID() string { return m.id }
func (m mockManager) Destroy() error   { return nil }

type mockMeeting struct {
	state   meeting.State
	room    string
	entries []streams.Entry
	joinErr error
	setErr  error

	joined string
	left   bool
	camera *bool
	micro  *bool
}

func (m *mockMeeting) Join(ctx context.Context, roomID string) error {
	m.joined = roomID
	if m.joinErr != nil {
		return m.joinErr
	}
	m.state = meeting.StateActive
	m.room = roomID
	return nil
}

func (m *mockMeeting) Leave(ctx context.Context) {
	m.left = true
	m.state = meeting.StateDisconnected
	m.room = ""
}

func (m *mockMeeting) SetCamera(enabled bool) error {
	m.camera = &enabled
	return m.setErr
}

func (m *mockMeeting) SetMicrophone(enabled bool) error {
	m.micro = &enabled
	return m.setErr
}

func (m *mockMeeting) State() meeting.State     { return m.state }
func (m *mockMeeting) RoomID() string           { return m.room }
func (m *mockMeeting) Streams() []streams.Entry { return m.entries }

type sentMessage struct {
	dest, contentType string
	body              []byte
}

type mockChat struct {
	sent []sentMessage
	err  error
}

func (c *mockChat) Send(dest, contentType string, body []byte) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, sentMessage{dest, contentType, body})
	return nil
}

func serve(h *Handler, method, path, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleState(t *testing.T) {
	m := &mockMeeting{state: meeting.StateActive, room: "42"}
	rec := serve(NewHandler(nil, m, nil, ""), http.MethodGet, "/state", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp StateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != "active" || resp.RoomID != "42" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandleStreams(t *testing.T) {
	m := &mockMeeting{entries: []streams.Entry{
		{Role: streams.RolePublisher, ParticipantID: 3},
		{Manager: mockManager{"str_1"}, Role: streams.RoleSubscriber, ParticipantID: 7},
	}}
	rec := serve(NewHandler(nil, m, nil, ""), http.MethodGet, "/streams", "")

	var resp []StreamResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []StreamResponse{
		{StreamID: "", Role: "publisher", ParticipantID: 3},
		{StreamID: "str_1", Role: "subscriber", ParticipantID: 7},
	}
	if len(resp) != len(want) {
		t.Fatalf("got %d entries, want %d", len(resp), len(want))
	}
	for i := range want {
		if resp[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, resp[i], want[i])
		}
	}
}

func TestHandleJoin(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		joinErr    error
		wantStatus int
		wantJoined string
	}{
		{name: "ok", body: `{"roomId":"42"}`, wantStatus: http.StatusOK, wantJoined: "42"},
		{name: "missing room", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "bad json", body: `{`, wantStatus: http.StatusBadRequest},
		{
			name:       "auth failure",
			body:       `{"roomId":"42"}`,
			joinErr:    errors.Join(openvidu.ErrAuthFailure, fmt.Errorf("status 401")),
			wantStatus: http.StatusBadGateway,
			wantJoined: "42",
		},
		{
			name:       "superseded",
			body:       `{"roomId":"42"}`,
			joinErr:    meeting.ErrSuperseded,
			wantStatus: http.StatusConflict,
			wantJoined: "42",
		},
		{
			name:       "no camera",
			body:       `{"roomId":"42"}`,
			joinErr:    devices.ErrNoDeviceFound,
			wantStatus: http.StatusFailedDependency,
			wantJoined: "42",
		},
		{
			name:       "connect failure",
			body:       `{"roomId":"42"}`,
			joinErr:    meeting.ErrConnectFailure,
			wantStatus: http.StatusInternalServerError,
			wantJoined: "42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockMeeting{joinErr: tt.joinErr}
			rec := serve(NewHandler(nil, m, nil, ""), http.MethodPost, "/join", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if m.joined != tt.wantJoined {
				t.Errorf("joined = %q, want %q", m.joined, tt.wantJoined)
			}
		})
	}
}

func TestHandleLeave(t *testing.T) {
	m := &mockMeeting{state: meeting.StateActive, room: "42"}
	rec := serve(NewHandler(nil, m, nil, ""), http.MethodPost, "/leave", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
	if !m.left {
		t.Error("Leave not called")
	}
}

func TestHandleToggles(t *testing.T) {
	m := &mockMeeting{}
	h := NewHandler(nil, m, nil, "")

	if rec := serve(h, http.MethodPost, "/camera", `{"enabled":false}`); rec.Code != http.StatusNoContent {
		t.Errorf("camera status = %d", rec.Code)
	}
	if m.camera == nil || *m.camera {
		t.Errorf("camera = %v, want false", m.camera)
	}

	if rec := serve(h, http.MethodPost, "/microphone", `{"enabled":true}`); rec.Code != http.StatusNoContent {
		t.Errorf("microphone status = %d", rec.Code)
	}
	if m.micro == nil || !*m.micro {
		t.Errorf("microphone = %v, want true", m.micro)
	}

	m.setErr = errors.New("replace track failed")
	if rec := serve(h, http.MethodPost, "/camera", `{"enabled":true}`); rec.Code != http.StatusInternalServerError {
		t.Errorf("failing camera status = %d", rec.Code)
	}
}

func TestHandleChat(t *testing.T) {
	tests := []struct {
		name       string
		room       string
		chat       *mockChat
		wantStatus int
	}{
		{name: "forwarded", room: "42", chat: &mockChat{}, wantStatus: http.StatusAccepted},
		{name: "no room", room: "", chat: &mockChat{}, wantStatus: http.StatusConflict},
		{name: "disabled", room: "42", wantStatus: http.StatusServiceUnavailable},
		{name: "not connected", room: "42", chat: &mockChat{err: chat.ErrNotConnected}, wantStatus: http.StatusServiceUnavailable},
		{name: "send failed", room: "42", chat: &mockChat{err: errors.New("broken pipe")}, wantStatus: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockMeeting{room: tt.room}
			var sender ChatSender
			if tt.chat != nil {
				sender = tt.chat
			}
			rec := serve(NewHandler(nil, m, sender, "/app/chat/"), http.MethodPost, "/chat", `{"text":"hi"}`)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusAccepted {
				return
			}
			if len(tt.chat.sent) != 1 {
				t.Fatalf("sent %d messages, want 1", len(tt.chat.sent))
			}
			msg := tt.chat.sent[0]
			if msg.dest != "/app/chat/42" || msg.contentType != "application/json" || string(msg.body) != `{"text":"hi"}` {
				t.Errorf("sent = %+v", msg)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rec := serve(NewHandler(nil, &mockMeeting{}, nil, ""), http.MethodGet, "/join", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
