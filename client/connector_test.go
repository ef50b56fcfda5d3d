//go:build linux
// +build linux

// File: client/connector_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client_test

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/client"
)

type recvInterpreter struct {
	coord   api.Coordinator
	batches chan []byte
	closed  chan struct{}
}

func (r *recvInterpreter) Read(buf []byte) {
	cp := append([]byte(nil), buf...)
	select {
	case r.batches <- cp:
	default:
	}
	r.coord.NeedsRead(true)
}

func (r *recvInterpreter) OnClose() { close(r.closed) }

func startStdlibEcho(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()
	return ln
}

func TestConnectAndRoundTrip(t *testing.T) {
	ln := startStdlibEcho(t)

	var interp *recvInterpreter
	factory := api.InterpreterFactoryFunc(func(coord api.Coordinator) api.Interpreter {
		interp = &recvInterpreter{
			coord:   coord,
			batches: make(chan []byte, 4),
			closed:  make(chan struct{}),
		}
		return interp
	})

	con, err := client.NewConnector(nil, factory)
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	defer func() {
		con.Close()
		if !con.AwaitClosed(5 * time.Second) {
			t.Errorf("selector did not exit on close")
		}
	}()

	ep, err := con.Connect(ln.Addr().String())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := ep.Write([]byte("PING")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-interp.batches:
		if string(got) != "PING" {
			t.Fatalf("received %q, want %q", got, "PING")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("echo reply never arrived")
	}
	ep.Close()
	select {
	case <-interp.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("end-of-stream never delivered after endpoint close")
	}
}

func TestConnectFailureSurfacesConnectError(t *testing.T) {
	con, err := client.NewConnector(nil, api.InterpreterFactoryFunc(func(api.Coordinator) api.Interpreter {
		return nil
	}))
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	defer con.Close()

	// A listener opened and closed again guarantees a dead port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := con.Connect(addr); !errors.Is(err, api.ErrSocketConnect) {
		t.Fatalf("connect to dead port returned %v, want ErrSocketConnect", err)
	}
}
