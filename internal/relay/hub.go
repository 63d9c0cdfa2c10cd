package relay

import (
	"sync"

	"veilchat/internal/domain"
)

// hub is the identity to session registry. At most one session per
// identity: registering a second one supersedes the first.
type hub struct {
	mu       sync.RWMutex
	sessions map[domain.UserID]*session
}

func newHub() *hub {
	return &hub{sessions: make(map[domain.UserID]*session)}
}

// register installs s as the session for its identity and returns the
// session it replaced, if any. The caller closes the old one.
func (h *hub) register(s *session) *session {
	h.mu.Lock()
	prev := h.sessions[s.id]
	h.sessions[s.id] = s
	h.mu.Unlock()
	return prev
}

// unregister removes s only if it is still the current session for its
// identity. Returns false when s was already superseded, so teardown of
// a replaced connection never knocks the fresh one offline.
func (h *hub) unregister(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.id] != s {
		return false
	}
	delete(h.sessions, s.id)
	return true
}

func (h *hub) get(id domain.UserID) (*session, bool) {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	return s, ok
}

// broadcast queues ev on every session except the subject's own.
func (h *hub) broadcast(subject domain.UserID, ev domain.Event) {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id == subject {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		s.queue(ev)
	}
}

func (h *hub) online(id domain.UserID) bool {
	_, ok := h.get(id)
	return ok
}
