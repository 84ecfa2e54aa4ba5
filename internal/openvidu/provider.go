package openvidu

import (
	"context"
	"errors"
)

// Provider turns a room id into a Credential. It holds no state between calls.
type Provider struct {
	client Client
}

func NewProvider(client Client) *Provider {
	return &Provider{client: client}
}

// AcquireCredential creates (or reuses) the session for roomID and mints a
// connection token for it. The token request is only issued after the session
// request succeeded. There is no retry.
func (p *Provider) AcquireCredential(ctx context.Context, roomID string) (Credential, error) {
	sessionID, err := p.client.CreateSession(ctx, roomID)
	if err != nil {
		return Credential{}, wrapAuth(err)
	}

	token, err := p.client.CreateToken(ctx, sessionID)
	if err != nil {
		return Credential{}, wrapAuth(err)
	}

	return Credential{SessionID: sessionID, Token: token}, nil
}

func wrapAuth(err error) error {
	if errors.Is(err, ErrAuthFailure) {
		return err
	}
	return errors.Join(ErrAuthFailure, err)
}
