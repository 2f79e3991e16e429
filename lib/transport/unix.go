package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

var ErrAddressInUse = errors.New("transport: socket is already served by another process")

// Listener accepts framed connections on a unix socket path.
type Listener struct {
	path     string
	listener *net.UnixListener
	opts     options

	closeOnce sync.Once
	closeErr  error
}

// Listen creates the socket file at path and starts listening. A stale
// socket file left by a dead process is replaced; a live one is an error.
func Listen(path string, opts ...Option) (*Listener, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve socket path %s: %w", path, err)
	}

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create unix socket listener: %w", err)
	}
	ln.SetUnlinkOnClose(true)

	return &Listener{path: path, listener: ln, opts: o}, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat socket path %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("socket path %s exists and is not a socket", path)
	}

	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrAddressInUse, path)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	return nil
}

// Accept waits for the next connection. After Close it returns ErrClosed.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.listener.AcceptUnix()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to accept connection: %w", err)
	}
	return newConn(c, l.opts), nil
}

// Close stops listening and removes the socket file.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.listener.Close()
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) && l.closeErr == nil {
			l.closeErr = err
		}
	})
	return l.closeErr
}

// Path returns the socket path.
func (l *Listener) Path() string {
	return l.path
}

// Dial connects to the socket at path. The context bounds the connect.
func Dial(ctx context.Context, path string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to unix socket %s: %w", path, err)
	}
	return NewConn(c, opts...), nil
}
