package meeting

import (
	"context"
	"errors"
	"sync"

	"meetlink/internal/media"
	"meetlink/internal/openvidu"
	"meetlink/internal/streams"
)

var (
	ErrConnectFailure = errors.New("meeting: connect failed")
	ErrPublishFailure = errors.New("meeting: publish failed")
	// ErrSuperseded is returned by Join when the activation was torn down
	// (leave, process exit or a newer Join) before it reached Active.
	ErrSuperseded = errors.New("meeting: activation superseded")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StatePublishing
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StatePublishing:
		return "publishing"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// CredentialSource is satisfied by *openvidu.Provider.
type CredentialSource interface {
	AcquireCredential(ctx context.Context, roomID string) (openvidu.Credential, error)
}

// HookRegistry is satisfied by *lifecycle.Hooks.
type HookRegistry interface {
	Register(fn func()) (deregister func())
}

// activation is one Idle to Disconnected run. Everything it owns is released
// by teardown, exactly once.
type activation struct {
	id     string
	gen    uint64
	roomID string

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	session    media.Session
	publisher  media.Publisher
	pending    map[string]struct{}
	deregister func()

	set *streams.Set

	// inflight counts subscribe calls started from stream events.
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

func (a *activation) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// advance moves to next unless the activation is already disconnected.
func (a *activation) advance(next State) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateDisconnected {
		return false
	}
	a.state = next
	return true
}

func (a *activation) live() bool {
	return a.State() != StateDisconnected
}
