package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// endpoint wraps a peer connection and holds back remote ICE candidates
// until the remote description is in place.
type endpoint struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func newEndpoint(pc *webrtc.PeerConnection) *endpoint {
	return &endpoint{pc: pc}
}

func (e *endpoint) addCandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	if !e.remoteSet {
		e.pending = append(e.pending, c)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.pc.AddICECandidate(c)
}

func (e *endpoint) setRemote(desc webrtc.SessionDescription) error {
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	e.mu.Lock()
	e.remoteSet = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	var firstErr error
	for _, c := range pending {
		if err := e.pc.AddICECandidate(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// eventQueue runs callbacks one at a time, in order, off the signaling read
// goroutine.
type eventQueue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()

			select {
			case <-q.done:
				return
			default:
			}
			fn()
		}
	}
}

func (q *eventQueue) stop() {
	q.once.Do(func() { close(q.done) })
}
