package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/die-net/punchportal/internal/identity"
)

// Application error codes sent when closing a session.
const (
	closeCode  quic.ApplicationErrorCode = 0
	RejectCode quic.ApplicationErrorCode = 0

	// RejectReason accompanies RejectCode when an accept policy refuses a
	// peer.
	RejectReason = "nope"
)

const streamCanceled quic.StreamErrorCode = 0

// Session is one authenticated QUIC connection with a remote peer.
type Session struct {
	conn   *quic.Conn
	remote identity.PublicKey
	linger time.Duration
}

func newSession(conn *quic.Conn, remote identity.PublicKey, linger time.Duration) *Session {
	return &Session{conn: conn, remote: remote, linger: linger}
}

// RemoteID is the authenticated identity of the remote peer.
func (s *Session) RemoteID() identity.PublicKey {
	return s.remote
}

// RemoteAddr is the remote UDP address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Done is closed when the session ends for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.conn.Context().Done()
}

// Reject closes the session, telling the peer it was refused.
func (s *Session) Reject() error {
	return s.conn.CloseWithError(RejectCode, RejectReason)
}

// Close closes the session immediately.
func (s *Session) Close() error {
	return s.conn.CloseWithError(closeCode, "")
}

// AcceptStream waits for the peer to open a stream. The peer's stream becomes
// visible only after it has sent data on it.
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	str, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept stream from %s: %w", s.remote.Short(), err)
	}
	return &Stream{str: str, sess: s}, nil
}

// OpenStream opens a stream to the peer, waiting for stream credit if needed.
func (s *Session) OpenStream(ctx context.Context) (*Stream, error) {
	str, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", s.remote.Short(), err)
	}
	return &Stream{str: str, sess: s}, nil
}

// IsRejected reports whether err means the remote peer refused the session.
func IsRejected(err error) bool {
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == RejectCode && appErr.ErrorMessage == RejectReason
}

// Stream is a bidirectional stream that owns its session: closing the stream
// ends the session.
type Stream struct {
	str  *quic.Stream
	sess *Session

	closeOnce sync.Once
	closeErr  error
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.str.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.str.Write(p)
}

// CloseWrite sends FIN. Reads continue to work.
func (s *Stream) CloseWrite() error {
	return s.str.Close()
}

// SetDeadline sets the read and write deadlines.
func (s *Stream) SetDeadline(t time.Time) error {
	return s.str.SetDeadline(t)
}

// Session returns the session the stream belongs to.
func (s *Stream) Session() *Session {
	return s.sess
}

// Close stops reading, sends FIN, and closes the session once the peer has
// closed it or the linger period has passed, whichever is first.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.str.CancelRead(streamCanceled)
		s.closeErr = s.str.Close()

		if s.sess.linger <= 0 {
			s.sess.Close()
			return
		}
		timer := time.AfterFunc(s.sess.linger, func() { s.sess.Close() })
		context.AfterFunc(s.sess.conn.Context(), func() { timer.Stop() })
	})
	return s.closeErr
}
