package openvidu

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type recordedCall struct {
	path string
	body map[string]any
	user string
	pass string
}

type fakeBackend struct {
	mu            sync.Mutex
	calls         []recordedCall
	sessionStatus int
	tokenStatus   int
}

func (f *fakeBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.calls = append(f.calls, recordedCall{path: r.URL.Path, body: body, user: user, pass: pass})
		f.mu.Unlock()

		switch r.URL.Path {
		case "/openvidu/api/sessions":
			if f.sessionStatus != 0 && f.sessionStatus != http.StatusOK {
				w.WriteHeader(f.sessionStatus)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"sessionId": "ses_abc"})
		case "/openvidu/api/sessions/ses_abc/connection":
			if f.tokenStatus != 0 && f.tokenStatus != http.StatusOK {
				w.WriteHeader(f.tokenStatus)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"token": "tok_xyz"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestProvider(t *testing.T, backend *fakeBackend) *Provider {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	c, err := NewClient(&ClientConfig{
		ServerURL: srv.URL,
		AppID:     "OPENVIDUAPP",
		Secret:    "MY_SECRET",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return NewProvider(c)
}

func TestAcquireCredential(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestProvider(t, backend)

	cred, err := p.AcquireCredential(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.SessionID != "ses_abc" || cred.Token != "tok_xyz" {
		t.Fatalf("unexpected credential: %+v", cred)
	}

	if len(backend.calls) != 2 {
		t.Fatalf("expected 2 backend calls, got %d", len(backend.calls))
	}
	first, second := backend.calls[0], backend.calls[1]
	if first.path != "/openvidu/api/sessions" {
		t.Errorf("first call went to %s", first.path)
	}
	if first.body["customSessionId"] != "room-1" {
		t.Errorf("customSessionId = %v", first.body["customSessionId"])
	}
	if second.path != "/openvidu/api/sessions/ses_abc/connection" {
		t.Errorf("second call went to %s", second.path)
	}
	if len(second.body) != 0 {
		t.Errorf("expected empty token body, got %v", second.body)
	}
	for i, c := range backend.calls {
		if c.user != "OPENVIDUAPP" || c.pass != "MY_SECRET" {
			t.Errorf("call %d: bad basic auth %s:%s", i, c.user, c.pass)
		}
	}
}

func TestAcquireCredentialFailures(t *testing.T) {
	tests := []struct {
		name          string
		sessionStatus int
		tokenStatus   int
		expectCalls   int
	}{
		{name: "session unauthorized", sessionStatus: http.StatusUnauthorized, expectCalls: 1},
		{name: "session conflict", sessionStatus: http.StatusConflict, expectCalls: 1},
		{name: "token not found", tokenStatus: http.StatusNotFound, expectCalls: 2},
		{name: "token server error", tokenStatus: http.StatusInternalServerError, expectCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{sessionStatus: tt.sessionStatus, tokenStatus: tt.tokenStatus}
			p := newTestProvider(t, backend)

			_, err := p.AcquireCredential(context.Background(), "room-1")
			if !errors.Is(err, ErrAuthFailure) {
				t.Fatalf("expected ErrAuthFailure, got %v", err)
			}
			if len(backend.calls) != tt.expectCalls {
				t.Errorf("expected %d calls, got %d", tt.expectCalls, len(backend.calls))
			}
		})
	}
}

func TestAcquireCredentialUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(&ClientConfig{ServerURL: url, AppID: "OPENVIDUAPP", Secret: "s"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = NewProvider(c).AcquireCredential(context.Background(), "room-1")
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
}

type stubClient struct {
	sessionErr error
	tokenCalls int
}

func (s *stubClient) CreateSession(ctx context.Context, roomID string) (string, error) {
	return "ses_" + roomID, s.sessionErr
}

func (s *stubClient) CreateToken(ctx context.Context, sessionID string) (string, error) {
	s.tokenCalls++
	return "tok", nil
}

func TestProviderWrapsForeignErrors(t *testing.T) {
	stub := &stubClient{sessionErr: errors.New("boom")}
	_, err := NewProvider(stub).AcquireCredential(context.Background(), "r")
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
	if stub.tokenCalls != 0 {
		t.Errorf("token requested after session failure")
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient(&ClientConfig{ServerURL: "localhost"}); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}
