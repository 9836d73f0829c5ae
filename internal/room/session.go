package room

import "sync/atomic"

// Close codes handed to the transport when the room ends a session.
// Values are RFC 6455 status codes; the room does not depend on the
// WebSocket package itself.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseProtocol  = 1002
)

// Session is one client's attachment to a Room. The transport layer
// drains Outbound and feeds inbound frames to Room.Apply; the room
// owns membership and closes the outbound channel exactly once.
type Session struct {
	ID string

	room      *Room
	send      chan []byte
	closeCode atomic.Int32
	closed    atomic.Bool
}

func (s *Session) Room() *Room {
	return s.room
}

// Outbound is the stream of frames to deliver to the client. The
// channel is closed when the session is detached; CloseCode then says
// why.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

func (s *Session) CloseCode() int {
	if code := s.closeCode.Load(); code != 0 {
		return int(code)
	}
	return CloseNormal
}

// close tears down the outbound channel. Callers hold the room lock.
func (s *Session) close(code int) {
	if s.closed.CompareAndSwap(false, true) {
		s.closeCode.Store(int32(code))
		close(s.send)
	}
}
