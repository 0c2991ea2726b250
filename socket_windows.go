//go:build windows

package linkmesh

import (
	"net"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// sioUDPConnReset is WSAIOCTL SIO_UDP_CONNRESET. Without it, a UDP
// socket on Windows that receives an ICMP port-unreachable for a
// previous send fails its *next* ReadFrom with WSAECONNRESET — on a
// socket shared by a whole Server, one unreachable client would
// otherwise take down receipt for every other peer.
const sioUDPConnReset = windows.IOC_IN | windows.IOC_VENDOR | 12

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
		flag := uint32(0)
		var bytesReturned uint32
		_ = windows.WSAIoctl(
			windows.Handle(fd),
			sioUDPConnReset,
			(*byte)(unsafe.Pointer(&flag)),
			uint32(unsafe.Sizeof(flag)),
			nil,
			0,
			&bytesReturned,
			nil,
			0,
		) //nolint:errcheck // best-effort tuning
	})
}
