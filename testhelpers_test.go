package linkmesh

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newLoopbackPair starts a Server on an OS-assigned loopback port,
// connects a Client to it, and blocks until the handshake completes.
// It returns the live Server, Client, and the remote id the Client
// sees for the Server — the Client's SendMessage target.
func newLoopbackPair(t *testing.T) (*Server, *Client, uuid.UUID) {
	t.Helper()

	server := NewServer(uuid.New())
	require.NoError(t, server.Start(0))

	host, portStr, err := net.SplitHostPort(server.Addr().String())
	require.NoError(t, err)
	if host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client := NewClient(uuid.New())
	connected := make(chan uuid.UUID, 1)
	client.Subscribe(func(event LifecycleEvent, remote *Remote) {
		if event == EventRemoteConnected {
			select {
			case connected <- remote.ID:
			default:
			}
		}
	})
	require.NoError(t, client.Connect(host, port, 0))

	select {
	case remoteID := <-connected:
		return server, client, remoteID
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client to connect")
		return nil, nil, uuid.Nil
	}
}
