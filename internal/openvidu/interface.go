package openvidu

import (
	"context"
	"errors"
)

// ErrAuthFailure is returned when the backend rejects or fails either step of
// credential acquisition.
var ErrAuthFailure = errors.New("openvidu: credential request failed")

// Client is the backend contract used to obtain a session and a connection
// token for it.
type Client interface {
	CreateSession(ctx context.Context, roomID string) (string, error)
	CreateToken(ctx context.Context, sessionID string) (string, error)
}

// Credential is the pair required to join a signaling session.
type Credential struct {
	SessionID string
	Token     string
}
