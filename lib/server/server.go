// Package server implements the extension side of the osquery protocol: it
// accepts connections from the host and answers ping, call and shutdown.
package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/snowmerak/osquery.go/lib/osquery"
	"github.com/snowmerak/osquery.go/lib/plugin"
	"github.com/snowmerak/osquery.go/lib/thrift"
	"github.com/snowmerak/osquery.go/lib/transport"
)

var (
	ErrAlreadyServing = errors.New("dispatcher is already serving")
	ErrNilListener    = errors.New("nil listener")
)

// Dispatcher routes host calls to the plugins of a registry.
//
// Every accepted connection is served by its own goroutine and processes
// one message at a time. The host pings on a separate connection, so a slow
// plugin call never delays a ping.
type Dispatcher struct {
	registry *plugin.Registry
	opts     options

	mu       sync.Mutex
	listener *transport.Listener
	conns    map[*transport.Conn]struct{}
	closing  bool
	serving  bool

	active       sync.WaitGroup
	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a dispatcher over reg. The registry is frozen when Serve
// starts.
func New(reg *plugin.Registry, opts ...Option) *Dispatcher {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Dispatcher{
		registry: reg,
		opts:     o,
		conns:    make(map[*transport.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// Serve accepts connections on ln until Shutdown is called, the host sends
// shutdown, or ctx is cancelled. It returns after every connection has
// finished its in-flight call. A clean stop returns nil.
func (d *Dispatcher) Serve(ctx context.Context, ln *transport.Listener) error {
	if ln == nil {
		return ErrNilListener
	}

	d.mu.Lock()
	if d.serving {
		d.mu.Unlock()
		return ErrAlreadyServing
	}
	d.serving = true
	d.listener = ln
	closing := d.closing
	d.mu.Unlock()

	if closing {
		_ = ln.Close()
		return nil
	}

	d.registry.Freeze()
	d.opts.logger.WithField("socket", ln.Path()).
		WithField("plugins", d.registry.Len()).
		Info("dispatcher serving")

	stop := context.AfterFunc(ctx, d.Shutdown)
	defer stop()

	// Connection I/O must outlive ctx so in-flight replies still go out.
	connCtx := context.WithoutCancel(ctx)

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) && d.isClosing() {
				break
			}
			acceptErr = err
			d.opts.logger.WithError(err).Error("accept failed, stopping dispatcher")
			d.Shutdown()
			break
		}
		if !d.track(conn) {
			_ = conn.Close()
			continue
		}
		go d.serveConn(connCtx, conn)
	}

	d.active.Wait()
	d.opts.logger.Info("dispatcher stopped")
	return acceptErr
}

// Shutdown stops accepting, closes the listener and removes its socket
// file. Idle connections are released; connections with a call in flight
// finish it and write the reply first. Shutdown does not wait; Serve
// returns once everything has drained.
func (d *Dispatcher) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.closing = true
		ln := d.listener
		conns := make([]*transport.Conn, 0, len(d.conns))
		for c := range d.conns {
			conns = append(conns, c)
		}
		d.mu.Unlock()

		if ln != nil {
			if err := ln.Close(); err != nil {
				d.opts.logger.WithError(err).Warn("failed to close listener")
			}
		}
		for _, c := range conns {
			_ = c.CloseRead()
		}
		close(d.done)
	})
}

// Done is closed once shutdown has begun.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closing
}

func (d *Dispatcher) track(c *transport.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return false
	}
	d.conns[c] = struct{}{}
	d.active.Add(1)
	return true
}

func (d *Dispatcher) untrack(c *transport.Conn) {
	d.mu.Lock()
	delete(d.conns, c)
	d.mu.Unlock()
	d.active.Done()
}

func (d *Dispatcher) serveConn(ctx context.Context, conn *transport.Conn) {
	defer d.untrack(conn)
	defer conn.Close()

	log := d.opts.logger.WithField("conn", connID())
	log.Debug("connection accepted")

	for {
		frame, err := conn.RecvFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
				log.Debug("connection closed")
			} else {
				log.WithError(err).Warn("failed to receive frame")
			}
			return
		}

		reply, shutdown, err := d.handle(ctx, log, frame, conn.MaxFrameSize())
		if err != nil {
			log.WithError(err).Warn("dropping connection after malformed message")
			return
		}
		if reply != nil {
			if err := conn.SendFrame(ctx, reply); err != nil {
				log.WithError(err).Warn("failed to send reply")
				return
			}
		}
		if shutdown {
			log.Info("shutdown requested by host")
			d.Shutdown()
			return
		}
	}
}

// handle decodes one message and produces its reply. A nil reply means the
// message was one-way. An error means the frame could not be understood at
// all and the connection should be dropped. Replies to call never exceed
// limit; an oversized response is replaced by a failed status.
func (d *Dispatcher) handle(ctx context.Context, log logrus.FieldLogger, frame []byte, limit int) ([]byte, bool, error) {
	h, r, err := thrift.DecodeHeader(frame)
	if err != nil {
		return nil, false, err
	}
	log = log.WithField("method", h.Name)

	if h.Type != thrift.CALL && h.Type != thrift.ONEWAY {
		ex := thrift.NewApplicationException(thrift.ExceptionInvalidMessageType, "unexpected message type %s", h.Type)
		return d.reply(h, ex), false, nil
	}

	switch h.Name {
	case osquery.MethodPing:
		if err := thrift.DecodeBody(r, thrift.Empty{}); err != nil {
			return d.reply(h, &osquery.StatusResult{Success: badArguments(log, h, err)}), false, nil
		}
		d.opts.metrics.recordPing()
		return d.reply(h, &osquery.StatusResult{Success: osquery.Success()}), false, nil

	case osquery.MethodCall:
		args := &osquery.CallArgs{}
		if err := thrift.DecodeBody(r, args); err != nil {
			resp := &osquery.ExtensionResponse{
				Status:   badArguments(log, h, err),
				Response: osquery.ExtensionPluginResponse{},
			}
			return d.reply(h, &osquery.ResponseResult{Success: resp}), false, nil
		}

		log = log.WithField("registry", args.Registry).WithField("item", args.Item)
		start := time.Now()
		resp := d.call(ctx, log, args)
		out := d.reply(h, &osquery.ResponseResult{Success: resp})
		if limit > 0 && len(out) > limit {
			log.WithField("bytes", len(out)).Warn("response exceeds max frame size")
			resp = failed("response of %d bytes exceeds max frame size %d", len(out), limit)
			out = d.reply(h, &osquery.ResponseResult{Success: resp})
		}
		d.observeCall(log, args, resp, time.Since(start))
		return out, false, nil

	case osquery.MethodShutdown:
		if err := thrift.DecodeBody(r, thrift.Empty{}); err != nil {
			// shutdown returns void, so there is no status to carry the failure.
			log.WithError(err).Warn("failed to decode arguments")
			ex := thrift.NewApplicationException(thrift.ExceptionProtocolError, "%s: %v", h.Name, err)
			return d.reply(h, ex), false, nil
		}
		return d.reply(h, thrift.Empty{}), true, nil

	default:
		log.Warn("unknown method")
		ex := thrift.NewApplicationException(thrift.ExceptionUnknownMethod, "unknown method %s", h.Name)
		return d.reply(h, ex), false, nil
	}
}

func (d *Dispatcher) reply(h thrift.Header, body thrift.Struct) []byte {
	if h.Type == thrift.ONEWAY {
		return nil
	}
	typ := thrift.REPLY
	if _, ok := body.(*thrift.ApplicationException); ok {
		typ = thrift.EXCEPTION
	}
	return thrift.EncodeMessage(thrift.Header{Name: h.Name, Type: typ, SeqID: h.SeqID}, body)
}

// badArguments answers a known method whose arguments did not decode.
func badArguments(log logrus.FieldLogger, h thrift.Header, err error) *osquery.ExtensionStatus {
	log.WithError(err).Warn("failed to decode arguments")
	return osquery.Failure("invalid arguments for %s: %v", h.Name, err)
}

// unknownLabel replaces host-supplied names that match no plugin in metric
// labels.
const unknownLabel = "unknown"

func (d *Dispatcher) observeCall(log logrus.FieldLogger, args *osquery.CallArgs, resp *osquery.ExtensionResponse, elapsed time.Duration) {
	code := osquery.ExtensionCode(resp.Status.Code)
	log.WithField("code", code).WithField("rows", len(resp.Response)).
		WithField("elapsed", elapsed).Debug("call served")

	registry, item := args.Registry, args.Item
	if _, err := d.registry.Lookup(plugin.Kind(registry), item); err != nil {
		item = unknownLabel
		if !plugin.Kind(registry).Valid() {
			registry = unknownLabel
		}
	}
	d.opts.metrics.recordCall(registry, item, code.String(), elapsed)
}

// call runs one plugin call. Missing plugins, plugin errors and plugin
// panics all become failed statuses; nothing escapes to the connection.
func (d *Dispatcher) call(ctx context.Context, log logrus.FieldLogger, args *osquery.CallArgs) (resp *osquery.ExtensionResponse) {
	p, err := d.registry.Lookup(plugin.Kind(args.Registry), args.Item)
	if err != nil {
		return failed("%v", err)
	}

	defer func() {
		if v := recover(); v != nil {
			log.WithField("panic", v).Error("plugin panicked")
			resp = failed("%s/%s panicked: %v", args.Registry, args.Item, v)
		}
	}()

	if d.opts.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.callTimeout)
		defer cancel()
	}

	request := args.Request
	if request == nil {
		request = osquery.ExtensionPluginRequest{}
	}

	out, err := p.Call(ctx, request)
	if err != nil {
		log.WithError(err).Warn("plugin call failed")
		return failed("%v", err)
	}
	if out.Status == nil {
		out.Status = osquery.Success()
	}
	if out.Response == nil {
		out.Response = osquery.ExtensionPluginResponse{}
	}
	return &out
}

func failed(format string, args ...any) *osquery.ExtensionResponse {
	return &osquery.ExtensionResponse{
		Status:   osquery.Failure(format, args...),
		Response: osquery.ExtensionPluginResponse{},
	}
}

// connID names a connection in logs. V7 ids sort by accept time.
func connID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
