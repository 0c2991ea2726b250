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

// Client is the active connector side of the protocol (spec §4.6): it
// dials a single remote server, performs the handshake, and on any
// non-graceful disconnect reconnects on a perpetual loop until Stop is
// called.
//
// Adapted from the teacher's getOrConnect outbound-dial path
// (transport.go), generalized from a one-shot dial-and-handshake call
// into a supervised, cancellable, auto-retrying connection loop.
type Client struct {
	*NetworkEndpoint

	cfg clientConfig

	serverAddr netip.AddrPort
	localPort  int // 0 == OS-assigned; fixed once the first attempt picks one

	mu       sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewClient creates a Client identified by localID. It does not
// connect until Connect is called. Wrap an EndpointOption (e.g.
// WithAdminAddr) with AsClientOption to pass it here.
func NewClient(localID uuid.UUID, opts ...ClientOption) *Client {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{
		NetworkEndpoint: newNetworkEndpoint(localID, cfg.endpointConfig, cfg.executor),
		cfg:             cfg,
	}
}

// Connect validates serverHost/serverPort and starts the perpetual
// reconnect loop. localPort of 0 lets the OS assign an ephemeral port
// for this Client's datagram socket; the chosen port is then reused
// for every reconnect attempt, so the server always sees the same
// datagram source for this Client's lifetime.
func (c *Client) Connect(serverHost string, serverPort int, localPort int) error {
	if serverPort <= 0 || serverPort > 65535 {
		return fmt.Errorf("linkmesh: invalid server port %d", serverPort)
	}
	ip, err := netip.ParseAddr(serverHost)
	if err != nil {
		addrs, resolveErr := net.LookupHost(serverHost)
		if resolveErr != nil || len(addrs) == 0 {
			return fmt.Errorf("linkmesh: resolve server host %q: %w", serverHost, err)
		}
		ip, err = netip.ParseAddr(addrs[0])
		if err != nil {
			return fmt.Errorf("linkmesh: parse resolved server address %q: %w", addrs[0], err)
		}
	}
	if !ip.Is4() {
		return fmt.Errorf("linkmesh: server address %s is not IPv4", ip)
	}

	c.serverAddr = netip.AddrPortFrom(ip, uint16(serverPort))
	c.localPort = localPort

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	c.mu.Unlock()

	go c.reconnectLoop(ctx)
	return nil
}

// reconnectLoop dials, handshakes, waits for the resulting Connection
// to close, and — unless the close was graceful — immediately retries,
// until ctx is cancelled by Stop.
func (c *Client) reconnectLoop(ctx context.Context) {
	defer close(c.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		closed, err := c.attemptConnect(ctx)
		if err != nil {
			c.metrics.reconnectAttempts.Add(1)
			slog.Warn("linkmesh: connect attempt failed, retrying", "server", c.serverAddr, "error", err)
			select {
			case <-time.After(c.cfg.connectAttemptTimeout):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case reason := <-closed:
			if reason == CloseGraceful {
				return
			}
			c.metrics.reconnectAttempts.Add(1)
		case <-ctx.Done():
			return
		}
	}
}

// attemptConnect performs one full dial-datagram/dial-stream/handshake
// cycle, bounded by cfg.connectAttemptTimeout. On success it registers
// the resulting Connection with the endpoint and returns a channel that
// receives exactly once, with the Connection's eventual CloseReason.
func (c *Client) attemptConnect(ctx context.Context) (<-chan CloseReason, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.connectAttemptTimeout)
	defer cancel()

	localAddr := &net.UDPAddr{Port: c.localPort}
	udpConn, err := net.DialUDP("udp4", localAddr, net.UDPAddrFromAddrPort(c.serverAddr))
	if err != nil {
		return nil, fmt.Errorf("dial datagram socket: %w", err)
	}
	if c.localPort == 0 {
		if ua, ok := udpConn.LocalAddr().(*net.UDPAddr); ok {
			c.localPort = ua.Port
		}
	}

	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(attemptCtx, "tcp4", c.serverAddr.String())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("dial stream socket: %w", err)
	}

	deps := socketDeps{Buffers: c.bufPool, Messages: c.msgPool}
	streamSocket := NewStreamSocket(tcpConn, c.localID, deps)
	datagramSocket := NewDatagramSocket(udpConn, c.localID, false, deps)

	handshakeCh := make(chan handshakeBody, 1)
	refusedCh := make(chan error, 1)
	streamSocket.SetHandlers(
		func(pt PacketType, sender uuid.UUID, payload []byte) {}, // pre-Connection: only the handshake matters yet
		func(body handshakeBody) { handshakeCh <- body },
		func(err error) {
			c.metrics.handshakesRefused.Add(1)
			refusedCh <- err
		},
	)
	streamSocket.Start()

	localStreamEP, _ := netip.ParseAddrPort(tcpConn.LocalAddr().String())
	localDatagramEP, _ := netip.ParseAddrPort(udpConn.LocalAddr().String())
	if err := doHandshake(streamSocket, c.localID, c.msgPool, localStreamEP, localDatagramEP); err != nil {
		streamSocket.Close()
		udpConn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	select {
	case body := <-handshakeCh:
		remote := c.remotes.GetOrCreate(body.SenderID, body.Stream, body.Datagram)
		closed := make(chan CloseReason, 1)
		onClosed := func(conn *Connection, reason CloseReason) {
			c.unregisterConnection(conn, reason)
			closed <- reason
		}
		conn := NewConnection(c.localID, remote, streamSocket, datagramSocket, false,
			c.msgPool, c.metrics, c.cfg.endpointConfig.buildConnectionConfig(), c.onConnMessage, onClosed)
		c.registerConnection(conn)
		return closed, nil
	case err := <-refusedCh:
		udpConn.Close()
		return nil, fmt.Errorf("handshake refused: %w", err)
	case <-attemptCtx.Done():
		streamSocket.Close()
		udpConn.Close()
		return nil, fmt.Errorf("handshake timed out")
	}
}

func (c *Client) onConnMessage(conn *Connection, msg *Message) {
	c.HandleMessage(conn.Remote.ID, msg)
}

// Stop cancels the reconnect loop (preventing any further attempt),
// waits for it to exit, and delegates to the base NetworkEndpoint.Stop.
func (c *Client) Stop(graceful bool) {
	c.mu.Lock()
	cancel := c.cancel
	done := c.loopDone
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.NetworkEndpoint.Stop(graceful)
}
