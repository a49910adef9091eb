package websocket

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/searchktools/rawserve/core/http"
)

// ErrHubFull is returned by Join when the hub is at capacity.
var ErrHubFull = errors.New("websocket hub is full")

const memberQueue = 256

type member struct {
	session *Session

	mu   sync.Mutex
	send chan Message
	left bool
}

// enqueue reports false when the queue is full. A departed member accepts
// and drops everything.
func (m *member) enqueue(msg Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.left {
		return true
	}
	select {
	case m.send <- msg:
		return true
	default:
		return false
	}
}

func (m *member) leave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.left {
		m.left = true
		close(m.send)
	}
}

// Hub fans messages out to a set of sessions. Each member has a bounded
// queue drained by its own goroutine; a member whose queue is full is
// closed.
type Hub struct {
	members    *xsync.MapOf[string, *member]
	maxMembers int

	joined    atomic.Int64
	delivered atomic.Int64
}

func NewHub(maxMembers int) *Hub {
	if maxMembers <= 0 {
		maxMembers = 10000
	}
	return &Hub{
		members:    xsync.NewMapOf[string, *member](),
		maxMembers: maxMembers,
	}
}

// Join adds s under id. The member leaves when the session ends.
func (h *Hub) Join(id string, s *Session) error {
	if h.members.Size() >= h.maxMembers {
		return errors.Wrapf(ErrHubFull, "max members reached (%d)", h.maxMembers)
	}

	m := &member{session: s, send: make(chan Message, memberQueue)}
	if _, loaded := h.members.LoadOrStore(id, m); loaded {
		return errors.Newf("member %q already joined", id)
	}
	h.joined.Add(1)

	leave := func() { h.Leave(id) }
	s.OnEnd(leave)
	s.OnError(func(error) { leave() })

	go h.writePump(m)
	return nil
}

// Leave removes the member id and stops its writer.
func (h *Hub) Leave(id string) {
	m, ok := h.members.LoadAndDelete(id)
	if !ok {
		return
	}
	m.leave()
}

// Broadcast queues msg for every member.
func (h *Hub) Broadcast(msg Message) {
	h.members.Range(func(id string, m *member) bool {
		if !m.enqueue(msg) {
			h.Leave(id)
			m.session.Close()
		}
		return true
	})
}

// BroadcastText queues a text message for every member.
func (h *Hub) BroadcastText(text string) {
	h.Broadcast(Message{OpCode: OpText, Payload: []byte(text)})
}

// SendTo queues msg for member id.
func (h *Hub) SendTo(id string, msg Message) error {
	m, ok := h.members.Load(id)
	if !ok {
		return errors.Mark(errors.Newf("member not found: %s", id), http.ErrNotFound)
	}
	if !m.enqueue(msg) {
		return errors.Newf("member %s queue full", id)
	}
	return nil
}

// Size returns the number of members.
func (h *Hub) Size() int {
	return h.members.Size()
}

func (h *Hub) Stats() map[string]any {
	return map[string]any{
		"total_members":    h.joined.Load(),
		"current_members":  h.Size(),
		"messages_written": h.delivered.Load(),
	}
}

func (h *Hub) writePump(m *member) {
	for msg := range m.send {
		if err := m.session.Write(msg.OpCode, msg.Payload); err != nil {
			m.session.Close()
			continue
		}
		h.delivered.Add(1)
	}
}

// Chat returns a SetupFunc that joins every session to h under its remote
// address and rebroadcasts each inbound message to all members.
func Chat(h *Hub) SetupFunc {
	return func(_ context.Context, _ *http.Request, s *Session) {
		id := s.RemoteAddr().String()
		if err := h.Join(id, s); err != nil {
			_ = s.Close()
			return
		}
		s.OnMessage(h.Broadcast)
	}
}
