package linkmesh

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// reliableSendTimeout bounds every stream-socket synchronous write
// (spec §4.8, §6): a peer that stops reading fails the write instead
// of blocking the caller forever.
const reliableSendTimeout = 10 * time.Second

// socketKind distinguishes the two transports a Socket can wrap.
type socketKind int

const (
	socketStream socketKind = iota
	socketDatagram
)

// OnPacketFunc handles a decoded non-initialization packet arriving on
// a Socket. Invoked from the Socket's own receive goroutine.
type OnPacketFunc func(pt PacketType, sender uuid.UUID, payload []byte)

// OnInitializedFunc handles a validated INITIALIZATION packet. body
// carries the peer's version, id, and advertised stream and datagram
// endpoints.
type OnInitializedFunc func(body handshakeBody)

// OnSocketErrorFunc reports a fatal socket-level error (spec §4.2,
// §4.8: CONNECTION_RESET on a stream socket).
type OnSocketErrorFunc func(err error)

// sendRequest is one item on a Socket's internal write queue. A
// synchronous caller supplies errCh and blocks on it; an asynchronous
// caller leaves errCh nil and the writer goroutine disposes the
// message once the write completes.
type sendRequest struct {
	packetType PacketType
	msg        *Message
	dest       netip.AddrPort // only consulted by a shared datagram socket
	errCh      chan error
}

// Socket is the per-transport send/receive engine described in spec
// §4.2. It is built around an already-opened net.Conn (stream) or
// net.PacketConn (datagram), owns a single writer goroutine that
// serializes frames onto the underlying connection (so concurrent
// senders never interleave partial writes on the same stream), and a
// single reader goroutine that frames, decodes, and dispatches
// inbound packets.
//
// Adapted from the teacher's per-peer write goroutine and read loop
// (transport.go's peerWriter / readLoop), generalized from a single
// TCP connection per peer to either transport, and from application
// envelopes to this spec's Packet/Message types.
type Socket struct {
	kind    socketKind
	localID uuid.UUID

	conn       net.Conn       // set for stream sockets and connection-owned datagram sockets
	packetConn net.PacketConn // set for every datagram socket (alone, for a shared one)
	shared     bool           // true: many Connections send/receive through this one socket

	bufPool *BufferPool
	msgPool *MessagePool

	onPacket      OnPacketFunc
	onInitialized OnInitializedFunc
	onError       OnSocketErrorFunc

	sendCh chan sendRequest

	closing atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// socketDeps bundles the shared pools every Socket draws from.
type socketDeps struct {
	Buffers  *BufferPool
	Messages *MessagePool
}

// NewStreamSocket wraps an already-connected net.Conn (stream
// transport) as a Socket. Applies the option tuning spec §4.2
// prescribes for stream sockets: Nagle disabled, keep-alive enabled,
// linger disabled, a finite send timeout.
func NewStreamSocket(conn net.Conn, localID uuid.UUID, deps socketDeps) *Socket {
	configureStreamSocket(conn)
	s := &Socket{
		kind:    socketStream,
		localID: localID,
		conn:    conn,
		bufPool: deps.Buffers,
		msgPool: deps.Messages,
		sendCh:  make(chan sendRequest, 256),
		done:    make(chan struct{}),
	}
	return s
}

// NewDatagramSocket wraps a net.PacketConn (datagram transport) as a
// Socket. shared marks a server-side socket that many Connections
// send/receive through (sends must then specify a destination; the
// socket is never disposed by a single Connection's Close). Applies
// the datagram option tuning spec §4.2 prescribes: enlarged send/
// receive buffers, suppressed ECONNRESET-on-unreachable.
func NewDatagramSocket(pc net.PacketConn, localID uuid.UUID, shared bool, deps socketDeps) *Socket {
	configureDatagramSocket(pc)
	s := &Socket{
		kind:       socketDatagram,
		localID:    localID,
		packetConn: pc,
		shared:     shared,
		bufPool:    deps.Buffers,
		msgPool:    deps.Messages,
		sendCh:     make(chan sendRequest, 256),
		done:       make(chan struct{}),
	}
	if conn, ok := pc.(net.Conn); ok && !shared {
		s.conn = conn // connection-owned (client) datagram socket: has an implicit destination
	}
	return s
}

// SetHandlers installs the callbacks invoked from the receive
// goroutine. Must be called before Start.
func (s *Socket) SetHandlers(onPacket OnPacketFunc, onInitialized OnInitializedFunc, onError OnSocketErrorFunc) {
	s.onPacket = onPacket
	s.onInitialized = onInitialized
	s.onError = onError
}

// Start begins the socket's writer and receive goroutines. Idempotent:
// calls after the first do nothing, so a socket started to receive the
// handshake can be handed to NewConnection, which starts it again.
func (s *Socket) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.writeLoop()
		go s.receiveLoop()
	})
}

// LocalID returns the identity this socket's owner advertises as
// sender_id on outbound frames.
func (s *Socket) LocalID() uuid.UUID { return s.localID }

// LocalAddrPort returns the local address this socket is bound to, as
// advertised in the handshake's RemoteData. Used by a Server to
// advertise its single shared datagram socket's address to every
// peer it accepts.
func (s *Socket) LocalAddrPort() netip.AddrPort {
	var addr net.Addr
	if s.packetConn != nil {
		addr = s.packetConn.LocalAddr()
	} else {
		addr = s.conn.LocalAddr()
	}
	ap, _ := netip.ParseAddrPort(addr.String())
	return ap
}

// --- send path ---

// SendSync sends pt/msg and blocks until the transport has accepted
// the bytes (or the send timeout on a stream socket elapses). On
// return — success or failure — msg has been disposed. dest is only
// consulted for a shared datagram socket.
func (s *Socket) SendSync(pt PacketType, msg *Message, dest netip.AddrPort) error {
	if err := s.checkDatagramSize(msg); err != nil {
		msg.Dispose()
		return err
	}
	errCh := make(chan error, 1)
	select {
	case s.sendCh <- sendRequest{packetType: pt, msg: msg, dest: dest, errCh: errCh}:
	case <-s.done:
		msg.Dispose()
		return fmt.Errorf("linkmesh: socket closed")
	}
	return <-errCh
}

// SendAsync enqueues pt/msg for the writer goroutine and returns
// immediately. msg is disposed by the writer goroutine once the write
// completes or fails. dest is only consulted for a shared datagram
// socket.
func (s *Socket) SendAsync(pt PacketType, msg *Message, dest netip.AddrPort) error {
	if err := s.checkDatagramSize(msg); err != nil {
		msg.Dispose()
		return err
	}
	select {
	case s.sendCh <- sendRequest{packetType: pt, msg: msg, dest: dest}:
		return nil
	case <-s.done:
		msg.Dispose()
		return fmt.Errorf("linkmesh: socket closed")
	}
}

// checkDatagramSize enforces spec §4.2's UDP_MAX ceiling before a
// datagram send is ever submitted to the writer goroutine.
func (s *Socket) checkDatagramSize(msg *Message) error {
	if s.kind != socketDatagram {
		return nil
	}
	if msg.Len() > udpMax {
		return fmt.Errorf("linkmesh: datagram payload of %d bytes exceeds UDP_MAX-header of %d", msg.Len(), udpMax)
	}
	return nil
}

func (s *Socket) writeLoop() {
	defer s.wg.Done()
	var frameBuf []byte
	for {
		select {
		case req := <-s.sendCh:
			err := s.writeOne(req, &frameBuf)
			req.msg.Dispose()
			if req.errCh != nil {
				req.errCh <- err
			}
		case <-s.done:
			return
		}
	}
}

func (s *Socket) writeOne(req sendRequest, frameBuf *[]byte) error {
	payload := req.msg.Bytes()
	need := frameHeaderSize + len(payload)
	if cap(*frameBuf) < need {
		*frameBuf = make([]byte, need)
	}
	buf := (*frameBuf)[:need]
	writeFrameHeader(buf[:frameHeaderSize], req.msg.Source, req.packetType, len(payload))
	copy(buf[frameHeaderSize:], payload)

	if s.kind == socketStream {
		s.conn.SetWriteDeadline(time.Unix(coarseNow.Load(), 0).Add(reliableSendTimeout))
		_, err := s.conn.Write(buf)
		if err != nil {
			return fmt.Errorf("linkmesh: stream write: %w", err)
		}
		return nil
	}

	if s.shared {
		addr := net.UDPAddrFromAddrPort(req.dest)
		_, err := s.packetConn.WriteTo(buf, addr)
		if err != nil {
			return fmt.Errorf("linkmesh: shared datagram write: %w", err)
		}
		return nil
	}

	_, err := s.conn.Write(buf)
	if err != nil {
		return fmt.Errorf("linkmesh: datagram write: %w", err)
	}
	return nil
}

// --- receive path ---

func (s *Socket) receiveLoop() {
	defer s.wg.Done()
	if s.kind == socketStream {
		s.receiveStream()
	} else {
		s.receiveDatagram()
	}
}

func (s *Socket) receiveStream() {
	var buf []byte
	for {
		frame, nextBuf, err := readStreamFrame(s.conn, buf)
		buf = nextBuf
		if err != nil {
			s.handleReceiveError(err)
			return
		}
		s.dispatch(frame)
	}
}

func (s *Socket) receiveDatagram() {
	raw := s.bufPool.Get(udpMax + frameHeaderSize)
	raw = raw[:cap(raw)]
	for {
		n, addr, err := s.packetConn.ReadFrom(raw)
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if isConnReset(err) {
				// A prior send to an unreachable peer surfaced as a read
				// error on this socket; the datagram channel is lossy by
				// definition, so the socket stays up and keeps receiving.
				slog.Debug("linkmesh: datagram socket saw connection reset, continuing", "error", err)
				continue
			}
			s.handleReceiveError(err)
			return
		}
		frame, decErr := decodeDatagramFrame(raw[:n])
		if decErr != nil {
			slog.Warn("linkmesh: dropped malformed datagram", "from", addr, "error", decErr)
			continue
		}
		s.dispatch(frame)
	}
}

// dispatch routes a decoded frame: INITIALIZATION is intercepted here
// (spec §4.2) and never surfaced via onPacket; everything else is
// handed to onPacket.
func (s *Socket) dispatch(frame decodedFrame) {
	if frame.Type == PacketInitialization {
		body, err := decodeHandshake(frame.Payload)
		if err != nil {
			slog.Warn("linkmesh: invalid initialization payload", "error", err)
			return
		}
		if !body.Version.Equal(ProtocolVersion) {
			slog.Warn("linkmesh: protocol version mismatch, refusing handshake",
				"remote_version", body.Version.String(), "local_version", ProtocolVersion.String())
			if s.onError != nil {
				s.onError(fmt.Errorf("linkmesh: protocol version mismatch: remote=%s local=%s",
					body.Version, ProtocolVersion))
			}
			s.Close()
			return
		}
		if s.onInitialized != nil {
			s.onInitialized(body)
		}
		return
	}
	if s.onPacket != nil {
		s.onPacket(frame.Type, frame.Sender, frame.Payload)
	}
}

// handleReceiveError classifies a stream-socket receive error per spec
// §4.8: expected-shutdown errors are suppressed, CONNECTION_RESET and
// any other error fire SocketError so the owning Connection can tear
// down and (for a Client) trigger reconnection.
func (s *Socket) handleReceiveError(err error) {
	if s.closing.Load() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return // expected shutdown / graceful peer close
	}
	if isConnReset(err) {
		slog.Warn("linkmesh: stream socket connection reset", "error", err)
	} else {
		slog.Warn("linkmesh: socket receive error", "error", err, "kind", s.kindString())
	}
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Socket) kindString() string {
	if s.kind == socketStream {
		return "stream"
	}
	return "datagram"
}

// isConnReset reports whether err indicates a peer-reset condition.
// Go's syscall package defines ECONNRESET on every platform this
// module targets (unix's ECONNRESET and Windows' WSAECONNRESET share
// the same errno value there), and net.OpError wraps the underlying
// syscall.Errno, so errors.Is sees through any *net.OpError/*os.SyscallError
// wrapping without depending on a platform-specific error string.
func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}

// Close shuts the socket down: closes the done channel (stopping the
// writer loop and unblocking anything selecting on it), closes the
// underlying connection (unblocking the receive loop). It does not wait
// for the goroutines to exit (it may be called from the receive
// goroutine itself); Wait does that. Idempotent.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
		if s.conn != nil {
			err = s.conn.Close()
		} else if s.packetConn != nil && !s.shared {
			err = s.packetConn.Close()
		}
		// A shared packetConn is closed by its owner (the Server), not
		// by any one Connection's Socket.Close.
	})
	return err
}

// CloseShared closes a shared datagram socket's underlying
// net.PacketConn. Only the Server (the sole owner of a shared socket)
// calls this.
func (s *Socket) CloseShared() error {
	if !s.shared {
		return fmt.Errorf("linkmesh: CloseShared called on a non-shared socket")
	}
	return s.packetConn.Close()
}

// Wait blocks until both the writer and receive goroutines of this
// socket have exited.
func (s *Socket) Wait() {
	s.wg.Wait()
}
