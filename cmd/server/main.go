// server runs a standalone linkmesh Server: it accepts connections on
// the given port, echoes every message back to its sender on the
// channel it arrived on, and exposes admin introspection at the given
// admin address.
//
// Run:  go run ./cmd/server -port 9000 -admin :6060
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/onset-systems/linkmesh"
)

func main() {
	port := flag.Int("port", 9000, "TCP/UDP port to listen on")
	adminAddr := flag.String("admin", "", "admin HTTP server address, e.g. :6060 (disabled if empty)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	linkmesh.InitLogger(level)

	var opts []linkmesh.EndpointOption
	if *adminAddr != "" {
		opts = append(opts, linkmesh.WithAdminAddr(*adminAddr))
	}

	server := linkmesh.NewServer(uuid.New(), opts...)
	server.Subscribe(func(event linkmesh.LifecycleEvent, remote *linkmesh.Remote) {
		switch event {
		case linkmesh.EventRemoteConnected:
			slog.Info("remote connected", "remote", remote.ID)
			_ = server.RegisterMessageHandler(remote.ID, func(msg *linkmesh.Message) {
				slog.Info("message received", "remote", remote.ID, "channel", msg.Channel, "bytes", msg.Len())
				reply := server.NewMessage(remote.ID, msg.Channel, msg.Bytes())
				server.SendMessage(msg.Channel, reply)
			}, true)
		case linkmesh.EventRemoteDisconnected:
			slog.Info("remote disconnected", "remote", remote.ID)
		}
	})

	if err := server.Start(*port); err != nil {
		log.Fatalf("server start: %v", err)
	}
	fmt.Printf("listening on %s\n", server.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down")
	server.Stop(true)
}
