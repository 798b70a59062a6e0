package dkimsignd

import (
	"bufio"
	"context"
	"net"
	"time"
)

// Connection is one client connection to the daemon: a buffered reader and
// writer over the accepted socket, plus the state needed to run the
// per-connection request state machine (Idle → ReadingAttributes →
// Dispatching → WritingResponse → Idle).
type Connection struct {
	conn net.Conn

	ctx    context.Context
	cancel context.CancelFunc

	reader *bufio.Reader
	writer *bufio.Writer

	id string

	attrs *Attributes
}

// NewConnection wraps an accepted socket. bufSize sizes the buffered
// reader/writer, following this codebase's convention of sizing I/O buffers
// off the configured maximum line length.
func NewConnection(ctx context.Context, conn net.Conn, bufSize int) *Connection {
	connCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		conn:   conn,
		ctx:    connCtx,
		cancel: cancel,
		reader: bufio.NewReaderSize(conn, bufSize),
		writer: bufio.NewWriterSize(conn, bufSize),
		attrs:  NewAttributes(),
	}
}

// Context returns the connection's cancellation context.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// RemoteAddr returns the remote client address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetReadDeadline and SetWriteDeadline delegate to the underlying
// connection; a server sets a fresh read deadline before each line and a
// fresh write deadline before each response. A non-positive d sets none.
func (c *Connection) SetReadDeadline(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

func (c *Connection) SetWriteDeadline(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return c.conn.SetWriteDeadline(time.Now().Add(d))
}

// Close tears down the connection and cancels its context.
func (c *Connection) Close() error {
	c.cancel()
	return c.conn.Close()
}
