package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSocketFailure wraps read and write errors on a client socket
var ErrSocketFailure = errors.New("socket failure")

// Session is the live association between a client id and its socket.
// Writes are serialized so that frames from different goroutines never
// interleave.
type Session struct {
	ID          string
	ClientID    string
	ConnectedAt time.Time

	conn         net.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	done         chan struct{}
}

// New creates a session for an authenticated connection. A zero
// writeTimeout disables write deadlines.
func New(clientID string, conn net.Conn, writeTimeout time.Duration) *Session {
	return &Session{
		ID:           uuid.New().String(),
		ClientID:     clientID,
		ConnectedAt:  time.Now(),
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// Write sends one complete frame
func (s *Session) Write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return fmt.Errorf("%w: session %s closed", ErrSocketFailure, s.ID)
	default:
	}

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("%w: %v", ErrSocketFailure, err)
		}
	}
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrSocketFailure, err)
	}
	return nil
}

// Close closes the socket once
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// Done is closed when the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// RemoteAddr returns the peer address
func (s *Session) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
