// Command client sends messages to an echo server over the user-space TCP
// engine and prints the replies.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/netip"
	"time"

	"github.com/timhartley/GuestVM-sub000/config"
	"github.com/timhartley/GuestVM-sub000/logging"
	"github.com/timhartley/GuestVM-sub000/rawip"
)

func main() {
	configPath := flag.String("config", "config.yaml", "configuration file")
	serverIP := flag.String("serverIP", "127.0.0.2", "server IP address")
	serverPort := flag.Uint("serverPort", 7080, "server port")
	count := flag.Int("count", 10, "number of messages")
	interval := flag.Duration("interval", time.Second, "pause between messages")
	timeout := flag.Duration("timeout", 5*time.Second, "read timeout")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalln(err)
	}
	server, err := netip.ParseAddr(*serverIP)
	if err != nil {
		log.Fatalln("Invalid server address:", err)
	}

	stack, err := rawip.NewStack(cfg)
	if err != nil {
		log.Fatalln("Error starting the TCP stack:", err)
	}
	defer stack.Close()

	conn, err := stack.Core.Dial(server, uint16(*serverPort))
	if err != nil {
		log.Printf("Error connecting to %s:%d: %v", server, *serverPort, err)
		return
	}
	defer conn.Close()
	conn.SetTimeout(*timeout)
	fmt.Printf("Connected to %v from port %d\n", conn.RemoteAddr(), conn.LocalPort())

	buf := make([]byte, 4096)
	for i := 0; i < *count; i++ {
		msg := fmt.Sprintf("message %d", i)
		start := time.Now()
		if _, err := conn.Write([]byte(msg)); err != nil {
			log.Println("Error writing:", err)
			return
		}
		got := 0
		for got < len(msg) {
			n, err := conn.Read(buf[got:])
			if err != nil {
				log.Println("Error reading:", err)
				return
			}
			got += n
		}
		fmt.Printf("%q in %v\n", buf[:got], time.Since(start))
		time.Sleep(*interval)
	}
	s := stack.Core.Stats()
	fmt.Printf("segments in %d out %d, retransmissions %d\n", s.SegmentsIn, s.SegmentsOut, s.Retransmits)
}
