//go:build linux
// +build linux

// File: server/server_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server_test

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/momentics/hioload-tcp/conn"
	"github.com/momentics/hioload-tcp/control"
	"github.com/momentics/hioload-tcp/server"
)

func startEcho(t *testing.T) *server.Server {
	t.Helper()
	cfg := control.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	srv, err := server.NewServer(cfg, conn.EchoFactory())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if _, err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		srv.Close()
		if !srv.AwaitClosed(5 * time.Second) {
			t.Errorf("selector did not exit on close")
		}
	})
	return srv
}

func TestEchoBasic(t *testing.T) {
	srv := startEcho(t)

	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Write([]byte("HELLO")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "HELLO" {
		t.Fatalf("echoed %q, want %q", buf, "HELLO")
	}
	if got := srv.Metrics().Get(control.MetricAccepts); got != 1 {
		t.Fatalf("accepts = %d, want 1", got)
	}
}

func TestEchoManyConnections(t *testing.T) {
	srv := startEcho(t)
	addr := fmt.Sprintf("127.0.0.1:%d", srv.Port())

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			c, err := net.Dial("tcp", addr)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			msg := []byte(fmt.Sprintf("conn-%d", i))
			if _, err := c.Write(msg); err != nil {
				errs <- err
				return
			}
			c.SetReadDeadline(time.Now().Add(5 * time.Second))
			buf := make([]byte, len(msg))
			if _, err := io.ReadFull(c, buf); err != nil {
				errs <- err
				return
			}
			if string(buf) != string(msg) {
				errs <- fmt.Errorf("conn %d echoed %q, want %q", i, buf, msg)
				return
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if got := srv.Metrics().Get(control.MetricAccepts); got != n {
		t.Fatalf("accepts = %d, want %d", got, n)
	}
}

func TestServerCloseIsIdempotent(t *testing.T) {
	srv := startEcho(t)
	srv.Close()
	srv.Close()
	if !srv.AwaitClosed(5 * time.Second) {
		t.Fatal("selector did not exit")
	}
}
