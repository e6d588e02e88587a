package chat

import (
	"sync"
)

const sendBuffer = 256

// Session is one live connection. Outbound frames are queued on a bounded
// buffer drained by the transport writer.
type Session struct {
	id       string
	userID   uint
	presence *Presence

	send      chan []byte
	closeOnce sync.Once
	onEvict   func()
}

func (s *Session) ID() string { return s.id }

// UserID is the authenticated user, or zero for sessions that rely on claimed ids.
func (s *Session) UserID() uint { return s.userID }

// Outbound is closed when the session is disconnected.
func (s *Session) Outbound() <-chan []byte { return s.send }

func (s *Session) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *Session) closeSend() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

func (s *Session) evict() {
	if s.onEvict != nil {
		s.onEvict()
	}
}
