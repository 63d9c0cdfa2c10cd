package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"veilchat/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// session is one live websocket bound to a verified identity. Events
// for the peer are queued on out and drained by the write pump; a full
// queue drops the event rather than stalling the hub.
type session struct {
	id   domain.UserID
	name string

	conn *websocket.Conn
	out  chan domain.Event
	done chan struct{}

	closeOnce sync.Once
}

func newSession(id domain.UserID, name string, conn *websocket.Conn) *session {
	return &session{
		id:   id,
		name: name,
		conn: conn,
		out:  make(chan domain.Event, sendBuffer),
		done: make(chan struct{}),
	}
}

// queue hands ev to the write pump without blocking. Returns false if
// the session is closing or its buffer is full.
func (s *session) queue(ev domain.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- ev:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump delivers inbound events to handle until the connection
// drops, then tears the session down via drop.
func (s *session) readPump(handle func(*session, domain.Event), drop func(*session)) {
	defer drop(s)

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var ev domain.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			return
		}
		handle(s, ev)
	}
}

// writePump serializes all writes to the connection and keeps it alive
// with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}
