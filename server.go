package linkmesh

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
)

const acceptHandshakeTimeout = 5 * time.Second

// Server is the passive acceptor side of the protocol (spec §4.7): it
// binds one stream listener and one shared datagram socket on the
// same port, accepts incoming stream connections, performs the
// handshake, and constructs a Connection per accepted peer. All
// accepted Connections share the single datagram socket; it is
// demultiplexed by the sender id carried in each frame's header.
//
// Adapted from the teacher's acceptLoop/handleInbound inbound path
// (transport.go), generalized from one listener producing
// independently-addressed peers to one listener plus one
// process-wide shared datagram socket.
type Server struct {
	*NetworkEndpoint

	listener net.Listener
	shared   *Socket // the one shared datagram socket, owned by the Server

	mu      sync.RWMutex
	cancel  context.CancelFunc
	doneAcc chan struct{}

	// bySender routes a frame arriving on the shared datagram socket to
	// the Connection whose remote id matches the frame's sender id.
	bySenderMu sync.RWMutex
	bySender   map[uuid.UUID]*Connection
}

// NewServer creates a Server identified by localID. It does not listen
// until Start is called.
func NewServer(localID uuid.UUID, opts ...EndpointOption) *Server {
	cfg := defaultEndpointConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		NetworkEndpoint: newNetworkEndpoint(localID, cfg, cfg.executor),
		bySender:        make(map[uuid.UUID]*Connection),
	}
}

// Start binds a stream listener and a shared datagram socket on port
// and begins accepting connections. Non-blocking.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("linkmesh: listen stream: %w", err)
	}
	// Bind the datagram socket to the port the listener actually got,
	// so port 0 still yields one shared port for both transports.
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: ln.Addr().(*net.TCPAddr).Port})
	if err != nil {
		ln.Close()
		return fmt.Errorf("linkmesh: listen datagram: %w", err)
	}

	deps := socketDeps{Buffers: s.bufPool, Messages: s.msgPool}
	s.shared = NewDatagramSocket(udpConn, s.localID, true, deps)
	s.shared.SetHandlers(s.onSharedDatagram, nil, func(err error) {
		slog.Error("linkmesh: shared datagram socket error", "error", err)
	})
	s.shared.Start()

	s.listener = ln
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.doneAcc = make(chan struct{})
	s.mu.Unlock()

	go s.acceptLoop(ctx)
	s.publish(EventStarted, nil)
	return nil
}

// Addr returns the stream listener's bound address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) onSharedDatagram(pt PacketType, sender uuid.UUID, payload []byte) {
	s.bySenderMu.RLock()
	conn, ok := s.bySender[sender]
	s.bySenderMu.RUnlock()
	if !ok {
		slog.Debug("linkmesh: datagram from unrecognized sender, dropped", "sender", sender)
		return
	}
	conn.HandleSharedDatagramFrame(pt, payload)
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.doneAcc)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Warn("linkmesh: accept error", "error", err)
			continue
		}
		go s.handleAccepted(conn)
	}
}

func (s *Server) handleAccepted(tcpConn net.Conn) {
	deps := socketDeps{Buffers: s.bufPool, Messages: s.msgPool}
	streamSocket := NewStreamSocket(tcpConn, s.localID, deps)

	handshakeCh := make(chan handshakeBody, 1)
	streamSocket.SetHandlers(
		func(pt PacketType, sender uuid.UUID, payload []byte) {},
		func(body handshakeBody) { handshakeCh <- body },
		func(err error) {
			// The socket's own receive path already validated and refused
			// a mismatched version (spec §4.2); this is the sole place
			// that surfaces as an error for a not-yet-registered peer.
			s.metrics.handshakesRefused.Add(1)
			slog.Warn("linkmesh: handshake refused", "error", err)
		},
	)
	streamSocket.Start()

	localStreamEP, _ := netip.ParseAddrPort(tcpConn.LocalAddr().String())
	localDatagramEP := s.shared.LocalAddrPort()

	select {
	case remoteHandshake := <-handshakeCh:
		if err := doHandshake(streamSocket, s.localID, s.msgPool, localStreamEP, localDatagramEP); err != nil {
			slog.Warn("linkmesh: failed to reply handshake", "error", err)
			streamSocket.Close()
			return
		}

		remote := s.remotes.GetOrCreate(remoteHandshake.SenderID, remoteHandshake.Stream, remoteHandshake.Datagram)

		onClosed := func(conn *Connection, reason CloseReason) {
			s.bySenderMu.Lock()
			delete(s.bySender, remote.ID)
			s.bySenderMu.Unlock()
			s.unregisterConnection(conn, reason)
		}
		conn := NewConnection(s.localID, remote, streamSocket, s.shared, true,
			s.msgPool, s.metrics, s.cfg.buildConnectionConfig(), s.onConnMessage, onClosed)

		s.bySenderMu.Lock()
		s.bySender[remote.ID] = conn
		s.bySenderMu.Unlock()

		s.registerConnection(conn)

	case <-time.After(acceptHandshakeTimeout):
		streamSocket.Close()
	}
}

func (s *Server) onConnMessage(conn *Connection, msg *Message) {
	s.HandleMessage(conn.Remote.ID, msg)
}

// Stop stops accepting new connections, closes the shared datagram
// socket, and delegates to the base NetworkEndpoint.Stop (which closes
// every accepted Connection's stream socket).
func (s *Server) Stop(graceful bool) {
	s.mu.Lock()
	cancel := s.cancel
	done := s.doneAcc
	s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.NetworkEndpoint.Stop(graceful)
	if s.shared != nil {
		_ = s.shared.CloseShared()
	}
}
