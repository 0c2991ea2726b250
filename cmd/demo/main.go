// demo starts a Server and a Client on localhost, waits for the
// handshake to establish, then exchanges one reliable and one
// unreliable message and prints what the server received.
//
// Run:  go run ./cmd/demo
package main

import (
	"fmt"
	"log"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/onset-systems/linkmesh"
)

func main() {
	linkmesh.InitLogger(slog.LevelWarn)

	server := linkmesh.NewServer(uuid.New())
	if err := server.Start(0); err != nil {
		log.Fatalf("server start: %v", err)
	}
	defer server.Stop(true)
	fmt.Printf("server listening on %s\n", server.Addr())

	received := make(chan *linkmesh.Message, 2)
	server.Subscribe(func(event linkmesh.LifecycleEvent, remote *linkmesh.Remote) {
		if event != linkmesh.EventRemoteConnected {
			return
		}
		fmt.Printf("server: remote %s connected\n", remote.ID)
		_ = server.RegisterMessageHandler(remote.ID, func(msg *linkmesh.Message) {
			fmt.Printf("server: received %q over %s\n", msg.Bytes(), msg.Channel)
			received <- msg
		}, true)
	})

	host, portStr, err := net.SplitHostPort(server.Addr().String())
	if err != nil {
		log.Fatalf("parse server address: %v", err)
	}
	if host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("parse server port: %v", err)
	}

	client := linkmesh.NewClient(uuid.New())
	defer client.Stop(true)

	client.Subscribe(func(event linkmesh.LifecycleEvent, remote *linkmesh.Remote) {
		if event != linkmesh.EventRemoteConnected {
			return
		}
		fmt.Printf("client: connected to server %s\n", remote.ID)

		reliable := client.NewMessage(remote.ID, linkmesh.ChannelReliableOrdered, []byte("hello over TCP"))
		client.SendMessage(linkmesh.ChannelReliableOrdered, reliable)

		unreliable := client.NewMessage(remote.ID, linkmesh.ChannelUnreliableUnordered, []byte("hello over UDP"))
		client.SendMessage(linkmesh.ChannelUnreliableUnordered, unreliable)
	})

	if err := client.Connect(host, port, 0); err != nil {
		log.Fatalf("client connect: %v", err)
	}

	timeout := time.After(5 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-timeout:
			log.Fatal("timed out waiting for messages")
		}
	}

	fmt.Println("demo complete")
}
