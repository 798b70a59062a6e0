package dkimsignd

import (
	"bufio"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/dkimsignd/dkimsignd/lineio"
)

// IntrospectionServer answers a single newline-terminated "stats" command
// over a Unix-domain socket with a MessagePack-encoded [Snapshot] (C9c). It
// is enabled by configuring ServerConfig.IntrospectionSocket.
type IntrospectionServer struct {
	socketPath string
	dispatcher *Dispatcher
	logger     *slog.Logger
	listener   net.Listener
}

// NewIntrospectionServer returns an IntrospectionServer that reports
// snapshots of dispatcher's counters and key store.
func NewIntrospectionServer(socketPath string, dispatcher *Dispatcher, logger *slog.Logger) *IntrospectionServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntrospectionServer{socketPath: socketPath, dispatcher: dispatcher, logger: logger}
}

// ListenAndServe binds the configured Unix socket and serves introspection
// requests until the listener is closed.
func (is *IntrospectionServer) ListenAndServe() error {
	listener, err := net.Listen("unix", is.socketPath)
	if err != nil {
		return err
	}
	is.listener = listener

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go is.handle(conn)
	}
}

// Close closes the introspection listener.
func (is *IntrospectionServer) Close() error {
	if is.listener == nil {
		return nil
	}
	return is.listener.Close()
}

func (is *IntrospectionServer) handle(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := lineio.ReadLine(bufio.NewReader(conn), 256)
	if err != nil {
		is.logger.Debug("introspection: bad request line", slog.Any("error", err))
		return
	}

	if strings.TrimSpace(line) != "stats" {
		is.logger.Debug("introspection: unknown command", slog.String("line", line))
		return
	}

	snapshot := is.dispatcher.Snapshot()
	snapshot.GeneratedAt = time.Now()

	data, err := snapshot.MarshalMsg(nil)
	if err != nil {
		is.logger.Warn("introspection: encoding snapshot failed", slog.Any("error", err))
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(data); err != nil {
		is.logger.Debug("introspection: write failed", slog.Any("error", err))
	}
}
