// client connects to a linkmesh Server, sends one line of stdin per
// line read as a reliable message, and prints every message it gets
// back. It reconnects automatically if the server drops the
// connection.
//
// Run:  go run ./cmd/client -server 127.0.0.1 -port 9000
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/onset-systems/linkmesh"
)

func main() {
	serverHost := flag.String("server", "127.0.0.1", "server host")
	serverPort := flag.Int("port", 9000, "server port")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	linkmesh.InitLogger(level)

	client := linkmesh.NewClient(uuid.New())

	connected := make(chan uuid.UUID, 1)
	client.Subscribe(func(event linkmesh.LifecycleEvent, remote *linkmesh.Remote) {
		switch event {
		case linkmesh.EventRemoteConnected:
			slog.Info("connected to server", "remote", remote.ID)
			_ = client.RegisterMessageHandler(remote.ID, func(msg *linkmesh.Message) {
				fmt.Printf("server says: %s\n", msg.Bytes())
			}, true)
			select {
			case connected <- remote.ID:
			default:
			}
		case linkmesh.EventRemoteDisconnected:
			slog.Warn("disconnected from server, reconnecting")
		}
	})

	if err := client.Connect(*serverHost, *serverPort, 0); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer client.Stop(true)

	remoteID := <-connected
	fmt.Println("type a line and press enter to send it reliably; Ctrl-D to quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		msg := client.NewMessage(remoteID, linkmesh.ChannelReliableOrdered, scanner.Bytes())
		client.SendMessage(linkmesh.ChannelReliableOrdered, msg)
	}
}
