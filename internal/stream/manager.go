package stream

import (
	"log"
	"sync"
	"time"

	"branchchat/internal/chat"
)

type Status string

const (
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusNotFound  Status = "not_found"
)

const (
	// Replay buffer bounds: hard cap, trimmed back to keep the tail.
	bufferMax  = 1000
	bufferKeep = 500

	clientBacklog = 256
)

// Manager is the process-scoped registry connecting transient SSE listeners
// to an in-progress generation. It has no bearing on persistence: the store
// is the authority, this only relays progress and replays a bounded buffer
// to late joiners.
type Manager struct {
	mu      sync.Mutex
	streams map[string]*liveStream
	ttl     time.Duration
	done    chan struct{}
}

type liveStream struct {
	clients   map[string]chan chat.GenEvent
	buffer    []chat.GenEvent
	status    Status
	createdAt time.Time
}

func NewManager() *Manager {
	m := &Manager{
		streams: make(map[string]*liveStream),
		ttl:     5 * time.Minute,
		done:    make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *Manager) Close() {
	close(m.done)
}

// Register opens a fresh stream for a generation cycle, displacing any
// previous one for the same conversation.
func (m *Manager) Register(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.streams[conversationID]; ok {
		for id, ch := range old.clients {
			close(ch)
			delete(old.clients, id)
		}
	}
	m.streams[conversationID] = &liveStream{
		clients:   make(map[string]chan chat.GenEvent),
		status:    StatusStreaming,
		createdAt: time.Now(),
	}
}

// Broadcast relays one event to every connected listener and records it for
// late joiners. A listener that cannot keep up is dropped; it can resubscribe
// and replay the buffer.
func (m *Manager) Broadcast(conversationID string, ev chat.GenEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[conversationID]
	if !ok {
		return
	}

	s.buffer = append(s.buffer, ev)
	if len(s.buffer) > bufferMax {
		s.buffer = append([]chat.GenEvent(nil), s.buffer[len(s.buffer)-bufferKeep:]...)
	}

	for id, ch := range s.clients {
		select {
		case ch <- ev:
		default:
			log.Printf("[StreamManager] dropping slow client %s on %s", id, conversationID)
			close(ch)
			delete(s.clients, id)
		}
	}
}

func (m *Manager) Complete(conversationID string) {
	m.finish(conversationID, StatusComplete, chat.GenEvent{Type: chat.EventDone})
}

func (m *Manager) Error(conversationID string, message string) {
	m.finish(conversationID, StatusError, chat.GenEvent{Type: chat.EventError, Error: message})
}

func (m *Manager) finish(conversationID string, status Status, terminal chat.GenEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[conversationID]
	if !ok {
		return
	}
	s.status = status
	s.buffer = append(s.buffer, terminal)

	for id, ch := range s.clients {
		select {
		case ch <- terminal:
		default:
		}
		close(ch)
		delete(s.clients, id)
	}
}

// Subscribe attaches a listener to the conversation's stream. The returned
// channel first replays the buffered events, then follows live ones, and is
// closed on completion. ok is false when no stream exists. The cancel
// function detaches without waiting for completion.
func (m *Manager) Subscribe(conversationID, clientID string) (events <-chan chat.GenEvent, cancel func(), ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, found := m.streams[conversationID]
	if !found {
		return nil, nil, false
	}

	ch := make(chan chat.GenEvent, len(s.buffer)+clientBacklog)
	for _, ev := range s.buffer {
		ch <- ev
	}

	if s.status != StatusStreaming {
		close(ch)
		return ch, func() {}, true
	}

	s.clients[clientID] = ch
	cancel = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, stillThere := m.streams[conversationID]
		if !stillThere {
			return
		}
		if c, live := cur.clients[clientID]; live {
			close(c)
			delete(cur.clients, clientID)
		}
	}
	return ch, cancel, true
}

func (m *Manager) GetStatus(conversationID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[conversationID]; ok {
		return s.status
	}
	return StatusNotFound
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, s := range m.streams {
		if s.status != StatusStreaming && now.Sub(s.createdAt) > m.ttl {
			delete(m.streams, id)
		}
	}
}
