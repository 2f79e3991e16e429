// Package transport carries length-prefixed frames over unix domain sockets.
//
// Each frame is a 4-byte big-endian length followed by that many bytes, the
// layout of the Thrift framed transport. A clean close by the peer surfaces
// as io.EOF from RecvFrame; callers treat it as "peer gone".
//
// WithUnframed switches a connection to the unframed layout osqueryd uses
// with its buffered transport: messages are written back to back and a
// Splitter finds their boundaries.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// FrameHeaderSize is the size of the length prefix.
	FrameHeaderSize = 4

	// DefaultMaxFrameSize bounds a single frame (16 MB).
	DefaultMaxFrameSize = 16 * 1024 * 1024
)

var (
	ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")
	ErrClosed        = errors.New("transport: connection closed")
)

// Option configures a Conn or a Listener.
type Option func(*options)

type options struct {
	maxFrameSize int
	split        Splitter
}

// Splitter reads exactly one message from an unframed stream and returns
// its bytes. It returns io.EOF when the stream ends before the first byte
// and must not read more than maxSize bytes.
type Splitter func(r io.Reader, maxSize int) ([]byte, error)

func defaultOptions() options {
	return options{maxFrameSize: DefaultMaxFrameSize}
}

// WithMaxFrameSize overrides DefaultMaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}

// WithUnframed drops the length prefix. Outgoing payloads are written as-is
// and incoming messages are delimited by split.
func WithUnframed(split Splitter) Option {
	return func(o *options) { o.split = split }
}

// Conn is a framed connection. Sends are serialised; a single reader is
// expected.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	opts   options

	writerLock sync.Mutex
	closeOnce  sync.Once
	closeErr   error
	readClosed atomic.Bool
}

// NewConn wraps an established stream connection.
func NewConn(c net.Conn, opts ...Option) *Conn {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newConn(c, o)
}

func newConn(c net.Conn, o options) *Conn {
	return &Conn{
		conn:   c,
		reader: bufio.NewReaderSize(c, 64*1024),
		opts:   o,
	}
}

// SendFrame writes one frame. The context bounds the write.
func (c *Conn) SendFrame(ctx context.Context, payload []byte) error {
	if len(payload) > c.opts.maxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), c.opts.maxFrameSize)
	}

	c.writerLock.Lock()
	defer c.writerLock.Unlock()

	stop := c.bindDeadline(ctx, c.conn.SetWriteDeadline)
	defer stop()

	buf := payload
	if c.opts.split == nil {
		buf = make([]byte, FrameHeaderSize+len(payload))
		binary.BigEndian.PutUint32(buf[:FrameHeaderSize], uint32(len(payload)))
		copy(buf[FrameHeaderSize:], payload)
	}

	if _, err := c.conn.Write(buf); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// RecvFrame blocks until a complete frame arrives. It returns io.EOF when the
// peer closed the connection between frames and ErrClosed after CloseRead.
func (c *Conn) RecvFrame(ctx context.Context) ([]byte, error) {
	stop := c.bindDeadline(ctx, c.conn.SetReadDeadline)
	defer stop()

	// Checked after the deadline is bound so a concurrent CloseRead either
	// is seen here or its deadline lands after ours.
	if c.readClosed.Load() {
		return nil, ErrClosed
	}

	if c.opts.split != nil {
		payload, err := c.opts.split(c.reader, c.opts.maxFrameSize)
		if err != nil {
			return nil, c.readError(ctx, err)
		}
		return payload, nil
	}

	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, c.readError(ctx, err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if int64(size) > int64(c.opts.maxFrameSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, c.opts.maxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, c.readError(ctx, err)
	}
	return payload, nil
}

func (c *Conn) readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if c.readClosed.Load() || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("failed to read frame: %w", err)
}

// bindDeadline applies the context deadline to the socket and interrupts
// the blocking operation when the context is cancelled.
func (c *Conn) bindDeadline(ctx context.Context, set func(time.Time) error) func() {
	deadline, _ := ctx.Deadline()
	_ = set(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = set(time.Now())
	})
	return func() { stop() }
}

// CloseRead shuts down the reading side so a blocked RecvFrame returns while
// a reply can still be written. Connections without half-close support get
// an immediate read deadline instead; later reads fail with ErrClosed.
func (c *Conn) CloseRead() error {
	c.readClosed.Store(true)
	if hc, ok := c.conn.(interface{ CloseRead() error }); ok {
		return hc.CloseRead()
	}
	return c.conn.SetReadDeadline(time.Now())
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// MaxFrameSize returns the largest payload SendFrame accepts.
func (c *Conn) MaxFrameSize() int {
	return c.opts.maxFrameSize
}

// RemoteAddr returns the peer address, mostly useful for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
