package p2p

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
)

// session is one authenticated, multiplexed connection to a remote node.
type session struct {
	info SessionInfo
	mux  *yamux.Session

	mu      sync.Mutex
	streams map[ProtocolID]*protocolStream

	// readers counts the goroutines still delivering events for this session.
	readers sync.WaitGroup
}

func newSession(info SessionInfo, mux *yamux.Session) *session {
	return &session{
		info:    info,
		mux:     mux,
		streams: make(map[ProtocolID]*protocolStream),
	}
}

func (s *session) addStream(id ProtocolID, ps *protocolStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[id] = ps
}

func (s *session) stream(id ProtocolID) (*protocolStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.streams[id]
	return ps, ok
}

func (s *session) send(id ProtocolID, data []byte, timeout time.Duration) error {
	ps, ok := s.stream(id)
	if !ok {
		return fmt.Errorf("%w: %d on session %d", ErrProtocolNotFound, id, s.info.ID)
	}
	return ps.write(data, timeout)
}

func (s *session) close() error {
	return s.mux.Close()
}

// protocolStream is the yamux stream carrying a single protocol.
type protocolStream struct {
	conn  net.Conn
	codec LengthDelimitedCodec

	writeMu sync.Mutex
}

func (ps *protocolStream) write(data []byte, timeout time.Duration) error {
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()

	if timeout > 0 {
		if err := ps.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return ps.codec.Encode(ps.conn, data)
}

func (ps *protocolStream) read() ([]byte, error) {
	return ps.codec.Decode(ps.conn)
}
