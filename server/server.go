// Command server runs an echo service on the user-space TCP engine.
package main

import (
	"errors"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/timhartley/GuestVM-sub000/config"
	"github.com/timhartley/GuestVM-sub000/lib"
	"github.com/timhartley/GuestVM-sub000/logging"
	"github.com/timhartley/GuestVM-sub000/rawip"
)

func main() {
	configPath := flag.String("config", "config.yaml", "configuration file")
	port := flag.Uint("port", 7080, "listening port")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalln(err)
	}

	stack, err := rawip.NewStack(cfg)
	if err != nil {
		log.Fatalln("Error starting the TCP stack:", err)
	}
	l, err := stack.Core.Listen(uint16(*port))
	if err != nil {
		stack.Close()
		log.Fatalf("Error listening on port %d: %v", *port, err)
	}
	slog.Info("echo server listening", "addr", stack.Transport.LocalAddress(), "port", *port)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		slog.Info("shutting down")
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, lib.ErrClosed) && !errors.Is(err, lib.ErrInvalidState) {
				slog.Error("accept failed", "err", err)
			}
			break
		}
		go echo(conn)
	}
	if err := stack.Close(); err != nil {
		slog.Warn("transport close", "err", err)
	}
}

func echo(conn *lib.Connection) {
	peer := conn.RemoteAddr()
	slog.Info("connection accepted", "peer", peer)
	defer conn.Close()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err == io.EOF {
			slog.Info("peer closed", "peer", peer)
			return
		}
		if err != nil {
			slog.Warn("read failed", "peer", peer, "err", err)
			return
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			slog.Warn("write failed", "peer", peer, "err", err)
			return
		}
	}
}
