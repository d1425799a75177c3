// Package resptest provides an in-memory RESP3 server double for
// exercising internal/connio, internal/cluster and the root redis
// package without a real Redis instance. Grounded on the pack's own pattern of
// hand-rolled protocol stubs (other_examples/a53bbed0_grafana-xk6-redis__redis-stub_test.go.go).
package resptest

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/xenking/rdx/internal/resp"
)

// Handler answers one upper-cased command name with the raw RESP3
// wire bytes to reply with. Handlers receive the decoded argument
// array (including the command name at index 0).
type Handler func(args []resp.Value) []byte

// Server is a single fake Redis endpoint backed by net.Pipe. Each
// DialContext call on its Dialer creates a fresh pipe, serves one end
// and returns the other, so the pair behaves like a real listening
// TCP server without touching the network.
type Server struct {
	mu       sync.Mutex
	handlers map[string]Handler
	fallback Handler
	conns    []net.Conn
}

func NewServer() *Server {
	return &Server{handlers: make(map[string]Handler)}
}

// Handle registers a handler for an upper-cased command name.
func (s *Server) Handle(cmd string, h Handler) {
	s.mu.Lock()
	s.handlers[cmd] = h
	s.mu.Unlock()
}

// Fallback sets the handler used when no specific handler matches;
// defaults to a generic "+OK\r\n" if never set.
func (s *Server) Fallback(h Handler) {
	s.mu.Lock()
	s.fallback = h
	s.mu.Unlock()
}

// Dialer returns a connio.Dialer-compatible dialer that connects a
// fresh client to this fake server via net.Pipe, spawning a server
// goroutine that serves RESP3 requests on its end.
func (s *Server) Dialer() *PipeDialer {
	return &PipeDialer{server: s}
}

type PipeDialer struct {
	server *Server
}

func (d *PipeDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	clientSide, serverSide := net.Pipe()
	d.server.mu.Lock()
	d.server.conns = append(d.server.conns, serverSide)
	d.server.mu.Unlock()
	go d.server.serve(serverSide)
	return clientSide, nil
}

// CloseAll closes every server-side connection ever accepted,
// simulating the remote end vanishing (used by reconnect tests).
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := append([]net.Conn(nil), s.conns...)
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Serve runs the request/reply loop over an already-accepted
// connection — exported so callers driving a real net.Listener (e.g.
// root-package facade tests, which have no Dialer-injection hook) can
// reuse the same command-dispatch logic the net.Pipe-backed Dialer
// uses internally.
func (s *Server) Serve(conn net.Conn) {
	s.serve(conn)
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	dec := &resp.Decoder{}
	for {
		frame, err := dec.Decode(br)
		if err != nil {
			return
		}
		if frame.Value.Kind != resp.KindArray {
			return
		}
		args := frame.Value.Array
		if len(args) == 0 {
			continue
		}
		cmd := string(args[0].Str)
		h := s.lookup(upper(cmd))
		var reply []byte
		if h != nil {
			reply = h(args)
		} else {
			reply = []byte("+OK\r\n")
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

func (s *Server) lookup(cmd string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handlers[cmd]; ok {
		return h
	}
	return s.fallback
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
