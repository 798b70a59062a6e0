package dkimsignd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkimsignd/dkimsignd/lineio"
	"github.com/dkimsignd/dkimsignd/utils"
)

// Server is the dkimsignd connection-handling daemon (C5): it accepts
// connections on one configured listen socket and, per connection, runs the
// attribute-buffering/dispatch loop over C6.
type Server struct {
	config     ServerConfig
	dispatcher *Dispatcher
	listener   net.Listener

	connMu      sync.Mutex
	connections map[*Connection]struct{}
	connCount   atomic.Int64

	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
	closed     atomic.Bool
}

// NewServer builds a Server from a ServerConfig and a Dispatcher already
// wired to a postprocessed KeyStore and OptionsResolver.
func NewServer(config ServerConfig, dispatcher *Dispatcher) (*Server, error) {
	if config.ListenAddr == "" {
		return nil, errors.New("dkimsignd: listen address is required")
	}
	if config.MaxLineLength == 0 {
		config.MaxLineLength = 4096
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 5 * time.Minute
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:      config,
		dispatcher:  dispatcher,
		connections: make(map[*Connection]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// ListenAndServe binds the configured network/address and serves it. The
// network may be "unix" (ListenAddr is a socket path) or "tcp"/"tcp6".
func (s *Server) ListenAndServe() error {
	listener, err := Listen(s.config)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Listen binds the network/address named by a ServerConfig without serving
// it. Callers that must drop privileges between binding the socket and
// accepting connections use this directly, then pass the resulting listener
// to Serve.
func Listen(config ServerConfig) (net.Listener, error) {
	network := config.ListenNetwork
	if network == "" {
		network = "unix"
	}
	listener, err := net.Listen(network, config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("dkimsignd: failed to listen on %s %s: %w", network, config.ListenAddr, err)
	}
	return listener, nil
}

// Serve accepts connections on listener and handles them until Shutdown or
// Close is called.
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener

	s.config.Logger.Info("dkimsignd server started",
		slog.String("addr", listener.Addr().String()),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			s.config.Logger.Error("accept error", slog.Any("error", err))
			continue
		}

		s.shutdownWg.Add(1)
		go s.handleConnection(conn)
	}
}

// Shutdown closes the listener and waits (up to ctx's deadline) for
// in-flight requests to finish before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.cancel()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.connMu.Lock()
		for conn := range s.connections {
			_ = conn.Close()
		}
		s.connMu.Unlock()
		return ctx.Err()
	}
}

// Close immediately closes the server and all connections.
func (s *Server) Close() error {
	s.closed.Store(true)
	s.cancel()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.connMu.Lock()
	for conn := range s.connections {
		_ = conn.Close()
	}
	s.connMu.Unlock()

	return nil
}

// handleConnection runs the per-connection state machine: Idle →
// ReadingAttributes → Dispatching → WritingResponse → Idle, looping so a
// single connection can serve several pipelined requests.
func (s *Server) handleConnection(netConn net.Conn) {
	defer s.shutdownWg.Done()

	bufSize := s.config.MaxLineLength
	if bufSize < 4096 {
		bufSize = 4096
	}
	conn := NewConnection(s.ctx, netConn, bufSize)
	conn.id = utils.GenerateID()

	s.connMu.Lock()
	s.connections[conn] = struct{}{}
	s.connMu.Unlock()
	s.connCount.Add(1)

	defer func() {
		s.connMu.Lock()
		delete(s.connections, conn)
		s.connMu.Unlock()
		s.connCount.Add(-1)
		_ = conn.Close()
	}()

	logger := s.config.Logger.With(
		slog.String("conn_id", conn.id),
		slog.String("remote", conn.RemoteAddr().String()),
	)
	if ip, err := utils.GetIPFromAddr(conn.RemoteAddr()); err == nil {
		logger = logger.With(slog.String("remote_ip", ip.String()))
	}
	logger.Info("client connected")

	s.requestLoop(conn, logger)

	logger.Info("client disconnected")
}

func (s *Server) requestLoop(conn *Connection, logger *slog.Logger) {
	for {
		select {
		case <-conn.Context().Done():
			return
		default:
		}

		if err := conn.SetReadDeadline(s.config.ReadTimeout); err != nil {
			return
		}

		line, err := lineio.ReadLine(conn.reader, s.config.MaxLineLength)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				logger.Debug("read timeout, closing connection")
				return
			}
			if errors.Is(err, lineio.ErrLineTooLong) || errors.Is(err, lineio.ErrBadLineEnding) {
				logger.Warn("malformed line, skipping", slog.Any("error", err))
				continue
			}
			return
		}

		if line == "" {
			s.dispatchAndRespond(conn, logger)
			conn.attrs = NewAttributes()
			continue
		}

		// Each line adds one value; the space-separated parts of a line (a
		// candidate's source label and mailbox) stay together in that value.
		name, value, ok := DecodeLine(line)
		if !ok {
			logger.Warn("unparseable attribute line, skipping", slog.String("line", line))
			continue
		}
		conn.attrs.Add(name, value)
	}
}

func (s *Server) dispatchAndRespond(conn *Connection, logger *slog.Logger) {
	resp := s.dispatcher.Dispatch(conn.attrs)

	body := EncodeAttributes(resp.Names(), resp.All)

	if err := conn.SetWriteDeadline(s.config.WriteTimeout); err != nil {
		return
	}
	if _, err := conn.writer.WriteString(body); err != nil {
		logger.Warn("write error, dropping connection", slog.Any("error", err))
		return
	}
	if err := conn.writer.Flush(); err != nil {
		logger.Warn("flush error, dropping connection", slog.Any("error", err))
	}
}
