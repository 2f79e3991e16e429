// Package client calls the osquery extension manager: registration,
// liveness checks and the queries an extension may run against the host.
//
// Host-side failures come back as ExtensionStatus values and are never
// turned into errors here; callers inspect the status before trusting the
// payload. Errors are reserved for transport and protocol faults.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/snowmerak/osquery.go/lib/osquery"
	"github.com/snowmerak/osquery.go/lib/thrift"
	"github.com/snowmerak/osquery.go/lib/transport"
)

var (
	// ErrBroken is returned once a transport or framing fault has left the
	// connection unusable.
	ErrBroken = errors.New("client connection is broken")
	ErrClosed = errors.New("client is closed")
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTransportOptions passes options to the underlying framed connection
// when dialing.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Client) {
		c.transportOpts = append(c.transportOpts, opts...)
	}
}

// Client is a connection to the extension manager. Calls are serialised on
// the one connection; it is safe for concurrent use.
type Client struct {
	conn          *transport.Conn
	logger        logrus.FieldLogger
	transportOpts []transport.Option

	closed atomic.Bool

	// sem guards the connection and everything below.
	sem    chan struct{}
	seq    int32
	broken error
}

// Dial connects to the manager socket at path.
func Dial(ctx context.Context, path string, opts ...Option) (*Client, error) {
	c := newClient(opts)
	conn, err := transport.Dial(ctx, path, c.transportOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// New wraps an established connection.
func New(conn *transport.Conn, opts ...Option) *Client {
	c := newClient(opts)
	c.conn = conn
	return c
}

func newClient(opts []Option) *Client {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	c := &Client{logger: discard, sem: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the connection, interrupting a call in flight. Calls after
// Close fail with ErrClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// Ping checks that the host is alive.
func (c *Client) Ping(ctx context.Context) (*osquery.ExtensionStatus, error) {
	res := &osquery.StatusResult{}
	if err := c.invoke(ctx, osquery.MethodPing, thrift.Empty{}, res); err != nil {
		return nil, err
	}
	if res.Success == nil {
		return nil, missingResult(osquery.MethodPing)
	}
	return res.Success, nil
}

// Call invokes a plugin registered with the host, possibly in another
// extension.
func (c *Client) Call(ctx context.Context, registry, item string, request osquery.ExtensionPluginRequest) (*osquery.ExtensionResponse, error) {
	args := &osquery.CallArgs{Registry: registry, Item: item, Request: request}
	return c.response(ctx, osquery.MethodCall, args)
}

// Shutdown asks the peer to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.invoke(ctx, osquery.MethodShutdown, thrift.Empty{}, thrift.Empty{})
}

// Extensions lists the extensions registered with the host.
func (c *Client) Extensions(ctx context.Context) (osquery.InternalExtensionList, error) {
	res := &osquery.ExtensionsResult{}
	if err := c.invoke(ctx, osquery.MethodExtensions, thrift.Empty{}, res); err != nil {
		return nil, err
	}
	if res.Success == nil {
		return nil, missingResult(osquery.MethodExtensions)
	}
	return res.Success, nil
}

// Options returns the host's option list.
func (c *Client) Options(ctx context.Context) (osquery.InternalOptionList, error) {
	res := &osquery.OptionsResult{}
	if err := c.invoke(ctx, osquery.MethodOptions, thrift.Empty{}, res); err != nil {
		return nil, err
	}
	if res.Success == nil {
		return nil, missingResult(osquery.MethodOptions)
	}
	return res.Success, nil
}

// OptionValues flattens Options into name to current value.
func (c *Client) OptionValues(ctx context.Context) (map[string]string, error) {
	list, err := c.Options(ctx)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(list))
	for name, info := range list {
		if info != nil {
			values[name] = info.Value
		}
	}
	return values, nil
}

// RegisterExtension announces an extension and its plugins. On success the
// status carries the assigned route id in UUID.
func (c *Client) RegisterExtension(ctx context.Context, info *osquery.InternalExtensionInfo, registry osquery.ExtensionRegistry) (*osquery.ExtensionStatus, error) {
	args := &osquery.RegisterExtensionArgs{Info: info, Registry: registry}
	return c.status(ctx, osquery.MethodRegisterExtension, args)
}

// DeregisterExtension removes a registration. A host that already dropped
// the extension answers with a failed status, not an error.
func (c *Client) DeregisterExtension(ctx context.Context, id osquery.ExtensionRouteUUID) (*osquery.ExtensionStatus, error) {
	return c.status(ctx, osquery.MethodDeregisterExtension, &osquery.DeregisterExtensionArgs{UUID: id})
}

// Query runs sql on the host.
func (c *Client) Query(ctx context.Context, sql string) (*osquery.ExtensionResponse, error) {
	return c.response(ctx, osquery.MethodQuery, &osquery.SQLArgs{SQL: sql})
}

// GetQueryColumns returns the result schema of sql, one row per column.
func (c *Client) GetQueryColumns(ctx context.Context, sql string) (*osquery.ExtensionResponse, error) {
	return c.response(ctx, osquery.MethodGetQueryColumns, &osquery.SQLArgs{SQL: sql})
}

func (c *Client) status(ctx context.Context, method string, args thrift.Struct) (*osquery.ExtensionStatus, error) {
	res := &osquery.StatusResult{}
	if err := c.invoke(ctx, method, args, res); err != nil {
		return nil, err
	}
	if res.Success == nil {
		return nil, missingResult(method)
	}
	return res.Success, nil
}

func (c *Client) response(ctx context.Context, method string, args thrift.Struct) (*osquery.ExtensionResponse, error) {
	res := &osquery.ResponseResult{}
	if err := c.invoke(ctx, method, args, res); err != nil {
		return nil, err
	}
	if res.Success == nil {
		return nil, missingResult(method)
	}
	if res.Success.Status == nil {
		res.Success.Status = &osquery.ExtensionStatus{Code: int32(osquery.ExtFailed), Message: "response has no status"}
	}
	if res.Success.Response == nil {
		res.Success.Response = osquery.ExtensionPluginResponse{}
	}
	return res.Success, nil
}

func missingResult(method string) error {
	return thrift.NewApplicationException(thrift.ExceptionMissingResult, "%s failed: unknown result", method)
}

// invoke performs one round trip. A fault that desynchronises the stream
// marks the client broken; an exception reply or an undecodable result
// body does not.
func (c *Client) invoke(ctx context.Context, method string, args, result thrift.Struct) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	if c.closed.Load() {
		return ErrClosed
	}
	if c.broken != nil {
		return fmt.Errorf("%w: %v", ErrBroken, c.broken)
	}

	c.seq++
	seq := c.seq
	log := c.logger.WithField("method", method).WithField("seq", seq)

	frame := thrift.EncodeMessage(thrift.Header{Name: method, Type: thrift.CALL, SeqID: seq}, args)
	if err := c.conn.SendFrame(ctx, frame); err != nil {
		return c.fail(log, fmt.Errorf("%s: %w", method, err))
	}

	reply, err := c.conn.RecvFrame(ctx)
	if err != nil {
		return c.fail(log, fmt.Errorf("%s: %w", method, err))
	}

	h, r, err := thrift.DecodeHeader(reply)
	if err != nil {
		return c.fail(log, fmt.Errorf("%s: %w", method, err))
	}
	if h.Name != method {
		return c.fail(log, thrift.NewApplicationException(thrift.ExceptionWrongMethodName, "%s: reply for %s", method, h.Name))
	}
	if h.SeqID != seq {
		return c.fail(log, thrift.NewApplicationException(thrift.ExceptionBadSequenceID, "%s: sequence id %d, want %d", method, h.SeqID, seq))
	}

	switch h.Type {
	case thrift.REPLY:
		if err := thrift.DecodeBody(r, result); err != nil {
			return fmt.Errorf("%s: failed to decode result: %w", method, err)
		}
		return nil
	case thrift.EXCEPTION:
		ex := &thrift.ApplicationException{}
		if err := thrift.DecodeBody(r, ex); err != nil {
			return fmt.Errorf("%s: failed to decode exception: %w", method, err)
		}
		log.WithField("kind", ex.Kind).Debug("exception reply")
		return ex
	default:
		return c.fail(log, thrift.NewApplicationException(thrift.ExceptionInvalidMessageType, "%s: unexpected %s", method, h.Type))
	}
}

func (c *Client) fail(log logrus.FieldLogger, err error) error {
	c.broken = err
	log.WithError(err).Warn("manager connection broken")
	return err
}
