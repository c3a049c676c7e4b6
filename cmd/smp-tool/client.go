// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/difft/smp-go/pkg/smp"
)

// received is a packet delivered to the client.
type received struct {
	kind    string
	stream  int32
	transID int32
	payload []byte
}

// client forwards the events of its Connection to channels.
type client struct {
	smp.NopHandler

	connected chan int
	packets   chan received
	closed    chan string
}

func newClient() *client {
	return &client{
		connected: make(chan int, 1),
		packets:   make(chan received, 1024),
		closed:    make(chan string, 1),
	}
}

func (c *client) OnConnectResult(_ *smp.Connection, code int, msg string) {
	log.WithFields(log.Fields{"code": code, "msg": msg}).Debug("Connect result")
	c.connected <- code
}

func (c *client) OnRecvCmd(_ *smp.Connection, _ int64, transID int32, s *smp.Stream, payload []byte) {
	c.packets <- received{kind: "CMD", stream: s.ID(), transID: transID, payload: payload}
}

func (c *client) OnRecvData(_ *smp.Connection, _ int64, transID int32, s *smp.Stream, payload []byte) {
	c.packets <- received{kind: "DATA", stream: s.ID(), transID: transID, payload: payload}
}

func (c *client) OnClosed(_ *smp.Connection, reason string) {
	c.closed <- reason
}

func (c *client) OnException(_ *smp.Connection, msg string) {
	log.WithField("exception", msg).Warn("Connection reported an exception")
}

// dial a target and wait for the connect result.
func dial(conf smp.Config, target string) (*smp.Connector, *smp.Connection, *client) {
	connector, err := smp.NewConnector(conf)
	if err != nil {
		printFatal(err, "Creating connector errored")
	}

	c := newClient()
	conn, err := connector.CreateConnection(conf, c)
	if err != nil {
		printFatal(err, "Creating connection errored")
	}

	if code := conn.Connect(target, ""); code != smp.CodeOK {
		printFatal(fmt.Errorf("%v", code), "Connecting errored")
	}

	select {
	case code := <-c.connected:
		if code != smp.ResultOK {
			printFatal(fmt.Errorf("connect result %d", code), "Connecting failed")
		}
	case reason := <-c.closed:
		printFatal(fmt.Errorf("%s", reason), "Connection closed while connecting")
	}

	return connector, conn, c
}

// hangup closes the Connection and waits for its release.
func hangup(connector *smp.Connector, conn *smp.Connection) {
	conn.Close()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		log.Warn("Connection did not close in time")
	}
	_ = connector.Close()
}

func printPacket(p received) {
	fmt.Printf("%s stream=%d trans=%d %q\n", p.kind, p.stream, p.transID, p.payload)
}

func runSend(conf smp.Config, target string, texts []string) {
	connector, conn, c := dial(conf, target)
	defer hangup(connector, conn)

	s, code := conn.OpenStream()
	if code != smp.CodeOK {
		printFatal(fmt.Errorf("%v", code), "Opening stream errored")
	}
	for _, text := range texts {
		if code := s.SendText(text); code != smp.CodeOK {
			printFatal(fmt.Errorf("%v", code), "Sending errored")
		}
	}

	for {
		select {
		case p := <-c.packets:
			printPacket(p)
		case reason := <-c.closed:
			fmt.Printf("closed: %s\n", reason)
			return
		case <-time.After(time.Second):
			return
		}
	}
}

func runCat(conf smp.Config, target string) {
	connector, conn, c := dial(conf, target)
	defer hangup(connector, conn)

	s, code := conn.OpenStream()
	if code != smp.CodeOK {
		printFatal(fmt.Errorf("%v", code), "Opening stream errored")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	var transID int32
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// Give pending answers a moment after EOF
				lines = nil
				go func() {
					time.Sleep(time.Second)
					interrupt <- os.Interrupt
				}()
				continue
			}
			transID++
			if code := s.SendCmd(transID, []byte(line)); code != smp.CodeOK {
				log.WithField("code", code).Error("Sending errored")
				return
			}

		case p := <-c.packets:
			printPacket(p)

		case reason := <-c.closed:
			fmt.Printf("closed: %s\n", reason)
			return

		case <-interrupt:
			return
		}
	}
}

func runBench(conf smp.Config, target string, count, size int) {
	connector, conn, c := dial(conf, target)
	defer hangup(connector, conn)

	s, code := conn.OpenStream()
	if code != smp.CodeOK {
		printFatal(fmt.Errorf("%v", code), "Opening stream errored")
	}

	payload := make([]byte, size)
	start := time.Now()

	go func() {
		for i := 0; i < count; i++ {
			if code := s.SendData(payload); code != smp.CodeOK {
				log.WithField("code", code).Error("Sending errored")
				return
			}
		}
	}()

	timeout := time.NewTimer(30 * time.Second)
	defer timeout.Stop()

	for i := 0; i < count; i++ {
		select {
		case <-c.packets:
		case reason := <-c.closed:
			fmt.Printf("closed after %d echoes: %s\n", i, reason)
			return
		case <-timeout.C:
			fmt.Printf("timed out after %d echoes\n", i)
			return
		}
	}

	elapsed := time.Since(start)
	bytes := float64(2 * count * size)
	fmt.Printf("%d packets of %d bytes echoed in %v, %.2f MB/s\n", count, size, elapsed, bytes/elapsed.Seconds()/1e6)

	stats := conn.Stats()
	fmt.Printf("congestion window %d bytes, %d packets sent, %d received\n",
		stats["congestion_window"], stats["packets_sent"], stats["packets_received"])
}
