package stream

import (
	"context"
	"sync"
	"time"

	"reliefhub.org/internal/collab"
)

// EventType names what happened to a document.
type EventType string

const (
	EventChanges     EventType = "changes"
	EventJoined      EventType = "participant.joined"
	EventLeft        EventType = "participant.left"
	EventPermissions EventType = "permissions.updated"
)

// Event is pushed to live subscribers of a document after a commit.
type Event struct {
	Type        EventType           `json:"type"`
	DocumentID  string              `json:"document_id"`
	Version     int64               `json:"version"`
	UserID      string              `json:"user_id,omitempty"`
	Changes     []collab.Change     `json:"changes,omitempty"`
	Participant *collab.Participant `json:"participant,omitempty"`
	Permissions *collab.Permissions `json:"permissions,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// Stream fans out document events to subscribers (SSE/WebSocket clients),
// keyed by document id.
type Stream struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Event
	next int
	buf  int
}

// New creates an empty stream. Each subscriber gets a buffer of 64 events.
func New() *Stream {
	return &Stream{
		subs: make(map[string]map[int]chan Event),
		buf:  64,
	}
}

// Subscribe registers a subscriber for docID. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, docID string) <-chan Event {
	ch := make(chan Event, s.buf)

	s.mu.Lock()
	id := s.next
	s.next++
	if s.subs[docID] == nil {
		s.subs[docID] = make(map[int]chan Event)
	}
	s.subs[docID][id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs[docID], id)
		if len(s.subs[docID]) == 0 {
			delete(s.subs, docID)
		}
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every subscriber of its document. Subscribers see
// events in Publish call order; callers serialize publishes per document when
// versions must arrive in order.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs[evt.DocumentID] {
		select {
		case ch <- evt:
		default:
			// Slow subscribers miss events and resync from the change log.
		}
	}
}

// Subscribers returns the number of live subscribers for docID.
func (s *Stream) Subscribers(docID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[docID])
}
