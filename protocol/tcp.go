package protocol

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	runtimeerrors "github.com/c360/extmesh/errors"
	"github.com/c360/extmesh/message"
	"github.com/c360/extmesh/pkg/retry"
)

// Server accepts framed TCP connections for one app and feeds inbound
// envelopes to the sink.
type Server struct {
	addr   string
	sink   Sink
	logger *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a server for the given listen address.
func NewServer(addr string, sink Sink, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		sink:   sink,
		logger: logger.With("component", "protocol_server", "addr", addr),
		conns:  make(map[*Conn]struct{}),
	}
}

// Start begins listening and accepting. Returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return runtimeerrors.WrapTransient(err, "Server", "Start", "listen")
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound address, useful with a ":0" listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Warn("accept failed", "error", err)
			}
			return
		}

		c := newConn(nc)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.readLoop(c)
	}
}

func (s *Server) readLoop(c *Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	for {
		m, err := message.ReadFrame(c.nc)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection read ended", "peer", c.RemoteAddr(), "error", err)
			}
			return
		}
		s.sink.OnRemoteMsg(c, m)
	}
}

// Stop closes the listener and every open connection, then waits for the
// read loops to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	open := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range open {
		_ = c.Close()
	}
	s.wg.Wait()
}

// Pool dials and reuses outbound connections keyed by app URI. Results sent
// back on a dialed connection reach the sink just like server-side traffic.
// Pool implements the engine's Remote interface.
type Pool struct {
	sink   Sink
	logger *slog.Logger
	retry  retry.Config

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates an empty connection pool.
func NewPool(sink Sink, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sink:   sink,
		logger: logger.With("component", "protocol_pool"),
		retry:  retry.DefaultConfig(),
		conns:  make(map[string]*Conn),
	}
}

// Send delivers an envelope to the app at the given URI, dialing with
// backoff on first use.
func (p *Pool) Send(appURI string, m *message.Msg) error {
	c, err := p.conn(appURI)
	if err != nil {
		return err
	}
	if err := c.Send(m); err != nil {
		// Drop the broken connection; the next send redials.
		p.mu.Lock()
		if p.conns[appURI] == c {
			delete(p.conns, appURI)
		}
		p.mu.Unlock()
		_ = c.Close()
		return runtimeerrors.WrapTransient(err, "Pool", "Send", "frame write")
	}
	return nil
}

func (p *Pool) conn(appURI string) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, runtimeerrors.WrapInvalid(
			runtimeerrors.ErrAlreadyClosed, "Pool", "conn", "pool liveness check")
	}
	if c, ok := p.conns[appURI]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	addr, err := HostPort(appURI)
	if err != nil {
		return nil, err
	}

	var nc net.Conn
	err = retry.Do(context.Background(), p.retry, func() error {
		var derr error
		nc, derr = net.Dial("tcp", addr)
		return derr
	})
	if err != nil {
		return nil, runtimeerrors.WrapTransient(err, "Pool", "conn", "dial "+addr)
	}

	c := newConn(nc)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = c.Close()
		return nil, runtimeerrors.WrapInvalid(
			runtimeerrors.ErrAlreadyClosed, "Pool", "conn", "pool liveness check")
	}
	if existing, ok := p.conns[appURI]; ok {
		// Lost the dial race; keep the first connection.
		p.mu.Unlock()
		_ = c.Close()
		return existing, nil
	}
	p.conns[appURI] = c
	p.mu.Unlock()

	p.wg.Add(1)
	go p.readLoop(appURI, c)
	return c, nil
}

func (p *Pool) readLoop(appURI string, c *Conn) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		if p.conns[appURI] == c {
			delete(p.conns, appURI)
		}
		p.mu.Unlock()
		_ = c.Close()
	}()

	for {
		m, err := message.ReadFrame(c.nc)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("pooled connection read ended", "app", appURI, "error", err)
			}
			return
		}
		p.sink.OnRemoteMsg(c, m)
	}
}

// Close drops every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	open := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		open = append(open, c)
	}
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	for _, c := range open {
		_ = c.Close()
	}
	p.wg.Wait()
}
