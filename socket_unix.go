//go:build !windows

package linkmesh

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// configureStreamSocket applies the stream-socket tuning spec §4.2
// calls for: Nagle disabled (small control/heartbeat frames should not
// wait on coalescing), keep-alive enabled so a half-open peer is
// eventually noticed by the OS, linger disabled so Close never blocks
// draining unsent bytes.
func configureStreamSocket(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
	_ = tc.SetLinger(0)
}

// configureDatagramSocket enlarges the kernel send/receive buffers for
// a UDP socket to the spec §4.2 UDP_MAX ceiling, so a burst of
// maximum-size datagrams doesn't get silently dropped by a
// too-small kernel buffer under load.
func configureDatagramSocket(pc net.PacketConn) {
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		return
	}
	_ = uc.SetReadBuffer(udpMax * 4)
	_ = uc.SetWriteBuffer(udpMax * 4)

	rawConn, err := uc.SyscallConn()
	if err != nil {
		return
	}
	_ = rawConn.Control(func(fd uintptr) {
		// Best-effort: raise SO_RCVBUF/SO_SNDBUF directly too, since some
		// kernels cap what net.UDPConn's setsockopt wrapper achieves.
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, udpMax*4)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, udpMax*4)
	})
}
