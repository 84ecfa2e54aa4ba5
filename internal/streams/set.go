package streams

import (
	"sync"

	"meetlink/internal/media"
)

type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// Entry is one element of the stream list. A publisher entry with a nil
// Manager is the reserved slot of a publisher that is not initialized yet.
type Entry struct {
	Manager       media.StreamManager
	Role          Role
	ParticipantID int
}

func (e Entry) StreamID() string {
	if e.Manager == nil {
		return ""
	}
	return e.Manager.StreamID()
}

// Set holds the local publisher slot followed by remote subscribers in
// arrival order. Subscribers are unique by stream id.
type Set struct {
	mu          sync.Mutex
	publisher   *Entry
	subscribers []Entry
}

func NewSet() *Set {
	return &Set{}
}

// ReservePublisher opens the publisher slot for participantID.
func (s *Set) ReservePublisher(participantID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = &Entry{Role: RolePublisher, ParticipantID: participantID}
}

// SetPublisher fills the publisher slot, reserving it if needed.
func (s *Set) SetPublisher(m media.StreamManager, participantID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = &Entry{Manager: m, Role: RolePublisher, ParticipantID: participantID}
}

// Add appends a subscriber entry. It reports false, leaving the set as is,
// when an entry for the same stream already exists.
func (s *Set) Add(e Entry) bool {
	id := e.StreamID()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.subscribers {
		if existing.StreamID() == id {
			return false
		}
	}
	e.Role = RoleSubscriber
	s.subscribers = append(s.subscribers, e)
	return true
}

func (s *Set) Contains(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOf(streamID) >= 0
}

// Remove drops the subscriber for streamID and returns it. Unknown ids are a
// no-op.
func (s *Set) Remove(streamID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(streamID)
	if i < 0 {
		return Entry{}, false
	}
	e := s.subscribers[i]
	s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
	return e, true
}

func (s *Set) indexOf(streamID string) int {
	for i, e := range s.subscribers {
		if e.StreamID() == streamID {
			return i
		}
	}
	return -1
}

// View returns a snapshot: publisher slot first, then subscribers.
func (s *Set) View() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.subscribers)+1)
	if s.publisher != nil {
		out = append(out, *s.publisher)
	}
	return append(out, s.subscribers...)
}

// Clear empties the set and returns the subscribers it held.
func (s *Set) Clear() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers
	s.publisher = nil
	s.subscribers = nil
	return subs
}

// Len counts subscribers only.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}
