package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flynn/noise"
	"github.com/hashicorp/yamux"
	"github.com/muhammadmahdiamirpour/p2psimple/crypto"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// nextSessionID is shared by every Service in the process so ids are never reused.
var nextSessionID atomic.Uint64

// Service accepts and dials sessions and routes their frames to protocol handlers.
//
// Fields:
//   - cfg: Timeouts, multiplexer settings and logger.
//   - key: The node identity used to authenticate handshakes.
//   - static: The Noise static keypair signed by key.
//   - handler: Receives service scoped errors and events.
//   - protocols: Registered protocols by id, opened on every session.
//   - events: Callbacks waiting for the event loop.
//   - sessions: Live sessions by id, byPeer indexes them by remote peer ID.
type Service struct {
	cfg     Config
	logger  *zap.Logger
	key     *crypto.PrivateKey
	peerID  string
	static  noise.DHKey
	handler ServiceHandler

	protocols map[ProtocolID]ProtocolMeta
	order     []ProtocolID

	events chan func()
	quitch chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closing   bool
	sessions  map[SessionID]*session
	byPeer    map[string]SessionID
	listeners map[string]net.Listener
	wg        sync.WaitGroup
}

// NewService creates a service for the given identity and protocols. Nothing touches
// the network until Listen or Dial is called.
func NewService(cfg Config, key *crypto.PrivateKey, handler ServiceHandler, protocols ...ProtocolMeta) (*Service, error) {
	if key == nil {
		return nil, errors.New("p2p: nil identity key")
	}
	if handler == nil {
		return nil, errors.New("p2p: nil service handler")
	}
	if len(protocols) == 0 {
		return nil, errors.New("p2p: no protocols registered")
	}
	cfg = cfg.withDefaults()

	static, err := newStaticKeypair()
	if err != nil {
		return nil, fmt.Errorf("p2p: noise static key: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		logger:    cfg.Logger.Named("p2p"),
		key:       key,
		peerID:    crypto.PeerID(key.PubKey()),
		static:    static,
		handler:   handler,
		protocols: make(map[ProtocolID]ProtocolMeta, len(protocols)),
		events:    make(chan func(), cfg.EventBuffer),
		quitch:    make(chan struct{}),
		sessions:  make(map[SessionID]*session),
		byPeer:    make(map[string]SessionID),
		listeners: make(map[string]net.Listener),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, meta := range protocols {
		if meta.Handler == nil {
			return nil, fmt.Errorf("p2p: protocol %d has no handler", meta.ID)
		}
		if _, dup := s.protocols[meta.ID]; dup {
			return nil, fmt.Errorf("p2p: protocol %d registered twice", meta.ID)
		}
		if meta.MaxFrameLength <= 0 {
			meta.MaxFrameLength = DefaultMaxFrameLength
		}
		s.protocols[meta.ID] = meta
		s.order = append(s.order, meta.ID)
	}
	return s, nil
}

// PeerID returns this node's peer ID as seen by remote nodes.
func (s *Service) PeerID() string { return s.peerID }

// Run initialises every protocol handler and then dispatches events until ctx is
// done or the service is closed. It must be called exactly once.
func (s *Service) Run(ctx context.Context) error {
	for _, id := range s.order {
		meta := s.protocols[id]
		meta.Handler.Init(ProtocolContext{ProtocolID: meta.ID, Name: meta.Name})
	}

	for {
		select {
		case fn := <-s.events:
			fn()
		case <-ctx.Done():
			return multierr.Append(ctx.Err(), s.Close())
		case <-s.quitch:
			return nil
		}
	}
}

// Listen binds addr and accepts inbound sessions on it in the background.
func (s *Service) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &ListenError{Address: addr, Err: err}
	}
	bound := ln.Addr().String()

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return nil, ErrServiceClosed
	}
	s.listeners[bound] = ln
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, bound)
	}()

	s.logger.Info("listening", zap.String("address", bound))
	s.emit(func() { s.handler.HandleEvent(ListenStarted{Address: bound}) })
	return ln.Addr(), nil
}

func (s *Service) acceptLoop(ln net.Listener, address string) {
	defer s.emit(func() { s.handler.HandleEvent(ListenClose{Address: address}) })

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.isClosing() && !errors.Is(err, net.ErrClosed) {
				s.emitError(&ListenError{Address: address, Err: err})
			}
			return
		}

		remote := conn.RemoteAddr().String()
		if !s.goTracked(func() {
			if err := s.handleConn(conn, remote, SessionInbound); err != nil {
				s.emitError(&ListenError{Address: address, Err: err})
			}
		}) {
			conn.Close()
			return
		}
	}
}

// Dial connects to addr in the background. The only error returned directly is
// ErrServiceClosed; the outcome is reported as a SessionOpen event or a *DialerError.
func (s *Service) Dial(addr string) error {
	ok := s.goTracked(func() {
		if err := s.dial(addr); err != nil {
			s.emit(s.dialErrorReport(addr, err))
		}
	})
	if !ok {
		return ErrServiceClosed
	}
	return nil
}

func (s *Service) dial(addr string) error {
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(s.ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.handleConn(conn, addr, SessionOutbound)
}

// handleConn secures conn, registers the session and starts serving its protocols.
// Errors are only returned for connections that never became a session.
func (s *Service) handleConn(conn net.Conn, address string, typ SessionType) error {
	if err := conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		conn.Close()
		return err
	}
	sc, err := secureHandshake(conn, s.key, s.static, typ == SessionOutbound)
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return err
	}
	if sc.RemotePeer() == s.peerID {
		conn.Close()
		return ErrDialSelf
	}

	var mux *yamux.Session
	if typ == SessionOutbound {
		mux, err = yamux.Client(sc, s.cfg.Yamux)
	} else {
		mux, err = yamux.Server(sc, s.cfg.Yamux)
	}
	if err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		mux.Close()
		return ErrServiceClosed
	}
	if existing, ok := s.byPeer[sc.RemotePeer()]; ok {
		s.mu.Unlock()
		mux.Close()
		return &RepeatedConnectionError{Existing: existing, PeerID: sc.RemotePeer()}
	}
	sess := newSession(SessionInfo{
		ID:      SessionID(nextSessionID.Add(1)),
		Address: address,
		Type:    typ,
		PeerID:  sc.RemotePeer(),
	}, mux)
	s.sessions[sess.info.ID] = sess
	s.byPeer[sess.info.PeerID] = sess.info.ID
	// Held by this goroutine until every protocol reader is started.
	sess.readers.Add(1)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.watch(sess)

	s.logger.Debug("session opened",
		zap.Uint64("session", uint64(sess.info.ID)),
		zap.String("address", address),
		zap.Stringer("type", typ),
		zap.String("peer", sess.info.PeerID))
	info := sess.info
	s.emit(func() { s.handler.HandleEvent(SessionOpen{Session: info}) })

	defer sess.readers.Done()
	if typ == SessionOutbound {
		s.openStreams(sess)
	} else {
		s.acceptStreams(sess)
	}
	return nil
}

func (s *Service) openStreams(sess *session) {
	for _, id := range s.order {
		stream, err := sess.mux.OpenStream()
		if err == nil {
			err = writeProtocolHeader(stream, id)
		}
		if err != nil {
			s.emitError(&SessionError{Session: sess.info, Err: fmt.Errorf("open protocol %d: %w", id, err)})
			sess.close()
			return
		}
		s.startProtocol(sess, s.protocols[id], stream)
	}
}

func (s *Service) acceptStreams(sess *session) {
	for {
		stream, err := sess.mux.AcceptStream()
		if err != nil {
			return
		}
		stream.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
		id, err := readProtocolHeader(stream)
		if err != nil {
			stream.Close()
			continue
		}
		stream.SetReadDeadline(time.Time{})

		meta, ok := s.protocols[id]
		if !ok {
			s.logger.Warn("unknown protocol requested",
				zap.Uint64("session", uint64(sess.info.ID)),
				zap.Uint16("protocol", uint16(id)))
			stream.Close()
			continue
		}
		if _, open := sess.stream(id); open {
			stream.Close()
			continue
		}
		s.startProtocol(sess, meta, stream)
	}
}

func (s *Service) startProtocol(sess *session, meta ProtocolMeta, stream *yamux.Stream) {
	ps := &protocolStream{conn: stream, codec: NewLengthDelimitedCodec(meta.MaxFrameLength)}
	sess.addStream(meta.ID, ps)
	sess.readers.Add(1)
	go func() {
		defer sess.readers.Done()
		s.serveProtocol(sess, meta, ps)
	}()
}

// serveProtocol reports Connected, every received frame and finally Disconnected for
// one protocol of a session. The session is closed when any of its streams ends.
func (s *Service) serveProtocol(sess *session, meta ProtocolMeta, ps *protocolStream) {
	ctx := ProtocolContext{ProtocolID: meta.ID, Name: meta.Name}
	info := sess.info

	s.emit(func() { meta.Handler.Connected(ctx, info) })
	for {
		data, err := ps.read()
		if err != nil {
			if !isClosedErr(err) {
				s.emitError(&SessionError{Session: info, Err: err})
			}
			break
		}
		s.emit(func() {
			if err := meta.Handler.Received(ctx, info, data); err != nil {
				s.handler.HandleError(&ProtocolHandleError{ProtocolID: meta.ID, Session: info, Err: err})
			}
		})
	}
	sess.close()
	// Unregistered before Disconnected is queued, so a repeated connection report
	// handled after Disconnected finds the session gone.
	s.unregister(sess)
	s.emit(func() { meta.Handler.Disconnected(ctx, info) })
}

// watch waits for a session to die and unregisters it once all of its readers are done.
func (s *Service) watch(sess *session) {
	defer s.wg.Done()

	<-sess.mux.CloseChan()
	sess.readers.Wait()
	s.unregister(sess)

	s.logger.Debug("session closed", zap.Uint64("session", uint64(sess.info.ID)), zap.String("address", sess.info.Address))
	info := sess.info
	s.emit(func() { s.handler.HandleEvent(SessionClose{Session: info}) })
}

// unregister drops sess from the lookup tables. It may be called more than once.
func (s *Service) unregister(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.info.ID)
	if s.byPeer[sess.info.PeerID] == sess.info.ID {
		delete(s.byPeer, sess.info.PeerID)
	}
}

func (s *Service) hasSession(id SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// dialErrorReport returns the event loop callback reporting a failed dial. A repeated
// connection whose existing session is gone by the time the callback runs is reported
// as a plain failure so the address gets dialed again.
func (s *Service) dialErrorReport(addr string, err error) func() {
	return func() {
		reported := err
		var repeated *RepeatedConnectionError
		if errors.As(err, &repeated) && !s.hasSession(repeated.Existing) {
			reported = fmt.Errorf("%w: existing session %d closed", ErrSessionNotFound, repeated.Existing)
		}
		s.handler.HandleError(&DialerError{Address: addr, Err: reported})
	}
}

// SendMessageTo writes one frame of protocol id to a single session.
func (s *Service) SendMessageTo(id SessionID, protocol ProtocolID, data []byte) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return sess.send(protocol, data, s.cfg.WriteTimeout)
}

// FilterBroadcast writes one frame of protocol id to every session matched by target.
// Every matched session is attempted; failures are combined into the returned error.
func (s *Service) FilterBroadcast(target TargetSession, protocol ProtocolID, data []byte) error {
	var err error
	for _, sess := range s.snapshot() {
		if !target.Match(sess.info) {
			continue
		}
		if sendErr := sess.send(protocol, data, s.cfg.WriteTimeout); sendErr != nil {
			err = multierr.Append(err, fmt.Errorf("session %d: %w", sess.info.ID, sendErr))
		}
	}
	return err
}

// Sessions returns the live sessions ordered by id.
func (s *Service) Sessions() []SessionInfo {
	sessions := s.snapshot()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.info)
	}
	return infos
}

func (s *Service) snapshot() []*session {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].info.ID < sessions[j].info.ID })
	return sessions
}

// Close stops every listener and session and waits for the service goroutines to exit.
// Events still queued are dropped. Calling Close more than once is a no-op.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	listeners := make([]net.Listener, 0, len(s.listeners))
	for _, ln := range s.listeners {
		listeners = append(listeners, ln)
	}
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	s.cancel()
	close(s.quitch)

	var err error
	for _, ln := range listeners {
		if closeErr := ln.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = multierr.Append(err, closeErr)
		}
	}
	for _, sess := range sessions {
		sess.close()
	}
	s.wg.Wait()
	return err
}

func (s *Service) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// goTracked starts fn unless the service is closing.
func (s *Service) goTracked(fn func()) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Service) emit(fn func()) {
	select {
	case s.events <- fn:
	case <-s.quitch:
	}
}

func (s *Service) emitError(err ServiceError) {
	s.emit(func() { s.handler.HandleError(err) })
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, yamux.ErrStreamClosed) ||
		errors.Is(err, yamux.ErrSessionShutdown) ||
		errors.Is(err, yamux.ErrConnectionReset)
}
