package rtc

import (
	"fmt"
	"net/url"
)

type tokenInfo struct {
	wsURL     string
	sessionID string
}

// parseToken extracts the signaling endpoint and session id from a connection
// token of the form wss://host:port?sessionId=ses_x&token=tok_y.
func parseToken(token string) (tokenInfo, error) {
	u, err := url.Parse(token)
	if err != nil {
		return tokenInfo{}, fmt.Errorf("invalid token: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return tokenInfo{}, fmt.Errorf("invalid token scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return tokenInfo{}, fmt.Errorf("token has no host")
	}

	sessionID := u.Query().Get("sessionId")
	if sessionID == "" {
		return tokenInfo{}, fmt.Errorf("token has no sessionId")
	}

	ws := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/openvidu"}
	return tokenInfo{wsURL: ws.String(), sessionID: sessionID}, nil
}
