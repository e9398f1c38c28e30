package signaling

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultPath is the websocket endpoint path.
const DefaultPath = "/ws"

// Options controls server transport behavior.
type Options struct {
	Path           string
	SendBufferSize int
	ReadLimit      int64
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration

	// CheckOrigin overrides the upgrader's origin policy. The default accepts
	// any origin; sessions are only guarded by their opaque token.
	CheckOrigin func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	out := o
	if out.Path == "" {
		out.Path = DefaultPath
	}
	if out.SendBufferSize <= 0 {
		out.SendBufferSize = DefaultSendBufferSize
	}
	if out.ReadLimit <= 0 {
		out.ReadLimit = DefaultReadLimit
	}
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = DefaultPongTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.CheckOrigin == nil {
		out.CheckOrigin = func(*http.Request) bool { return true }
	}
	return out
}

// Server accepts websocket connections and feeds them into a Hub.
type Server struct {
	hub     *Hub
	options Options

	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader

	connMu sync.Mutex
	conns  map[*Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts an HTTP listener with the websocket endpoint attached.
func Listen(address string, options Options) (*Server, error) {
	opts := options.withDefaults()
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		hub:      NewHub(),
		options:  opts,
		listener: listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		conns:  make(map[*Conn]struct{}),
		closed: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(opts.Path, server.handleWebsocket)
	server.httpServer = &http.Server{Handler: mux}

	server.wg.Add(1)
	go server.serve()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Hub returns the server's message hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Errors returns asynchronous server and protocol errors.
func (s *Server) Errors() <-chan error {
	return s.hub.Errors()
}

// Close stops accepting connections, tears down every live websocket and
// shuts the server down. httpServer.Close does not touch hijacked
// connections, so they are closed explicitly.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.httpServer.Close()

		s.connMu.Lock()
		conns := make([]*Conn, 0, len(s.conns))
		for conn := range s.conns {
			conns = append(conns, conn)
		}
		s.connMu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}

		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) serve() {
	defer s.wg.Done()

	err := s.httpServer.Serve(s.listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.hub.reportError(fmt.Errorf("serve: %w", err))
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.reportError(fmt.Errorf("upgrade connection: %w", err))
		return
	}

	conn := newConn(ws, s.options)
	if !s.trackConn(conn) {
		_ = conn.Close()
		return
	}
	s.hub.HandleConnect(conn)

	go conn.writePump()
	conn.readPump(s.hub)
	s.forgetConn(conn)
}

func (s *Server) trackConn(conn *Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) forgetConn(conn *Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}
