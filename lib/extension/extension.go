// Package extension runs an osquery extension: it registers the extension's
// plugins with the manager, serves calls from the host on its own socket and
// watches the host with periodic pings.
package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/snowmerak/osquery.go/lib/client"
	"github.com/snowmerak/osquery.go/lib/osquery"
	"github.com/snowmerak/osquery.go/lib/plugin"
	"github.com/snowmerak/osquery.go/lib/server"
	"github.com/snowmerak/osquery.go/lib/thrift"
	"github.com/snowmerak/osquery.go/lib/transport"
)

// SDKVersion is the osquery SDK version this module implements.
const SDKVersion = "5.0.0"

var (
	ErrRegistrationRejected = errors.New("extension registration rejected")
	ErrHostUnreachable      = errors.New("osquery host unreachable")
	ErrAlreadyRunning       = errors.New("extension is already running")
)

// errServeStopped ends the run group when the dispatcher stops on its own.
var errServeStopped = errors.New("dispatcher stopped")

// Server is one extension process's connection to osquery.
type Server struct {
	name       string
	socketPath string
	opts       options
	registry   *plugin.Registry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	manager *client.Client
	uuid    osquery.ExtensionRouteUUID
	ready   chan struct{}
}

// New prepares an extension named name for the manager socket at
// socketPath.
func New(name, socketPath string, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		name:       name,
		socketPath: socketPath,
		opts:       o,
		registry:   plugin.NewRegistry(),
		ready:      make(chan struct{}),
	}
}

// RegisterPlugin adds plugins. It must be called before Run.
func (s *Server) RegisterPlugin(plugins ...plugin.Plugin) error {
	for _, p := range plugins {
		if err := s.registry.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Registry exposes the plugin registry.
func (s *Server) Registry() *plugin.Registry {
	return s.registry
}

// UUID is the route id assigned by the manager. It is zero until
// registration succeeds.
func (s *Server) UUID() osquery.ExtensionRouteUUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uuid
}

// Client returns the manager connection for queries issued by plugins. It is
// nil until registration succeeds.
func (s *Server) Client() *client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager
}

// Ready is closed once the extension is registered and serving.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// SocketPath is the path the extension listens on for a given route id.
func SocketPath(managerSocket string, id osquery.ExtensionRouteUUID) string {
	return fmt.Sprintf("%s.%d", managerSocket, id)
}

// Shutdown stops a running extension as if its context had been cancelled.
func (s *Server) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run registers the extension and serves until the host sends shutdown
// (nil), ctx is cancelled (deregisters, nil), the host stops answering
// pings (ErrHostUnreachable) or registration fails (ErrRegistrationRejected
// or a dial error).
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	log := s.opts.logger.WithField("extension", s.name)

	manager, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer manager.Close()

	s.registry.Freeze()
	id, err := s.register(ctx, manager)
	if err != nil {
		return err
	}
	log = log.WithField("ext_uuid", id)

	s.mu.Lock()
	s.manager = manager
	s.uuid = id
	s.mu.Unlock()

	ln, err := transport.Listen(SocketPath(s.socketPath, id), s.transportOptions()...)
	if err != nil {
		s.deregister(ctx, manager, id)
		return fmt.Errorf("failed to listen for host calls: %w", err)
	}

	pinger, err := s.dial(ctx)
	if err != nil {
		_ = ln.Close()
		s.deregister(ctx, manager, id)
		return fmt.Errorf("failed to open ping connection: %w", err)
	}
	defer pinger.Close()

	dispatcher := server.New(s.registry,
		server.WithLogger(log),
		server.WithCallTimeout(s.opts.callTimeout),
		server.WithMetrics(s.opts.metrics),
	)

	log.WithField("socket", ln.Path()).Info("extension registered")
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := dispatcher.Serve(gctx, ln); err != nil {
			return err
		}
		return errServeStopped
	})
	g.Go(func() error {
		return s.pingLoop(gctx, pinger)
	})
	err = g.Wait()

	switch {
	case errors.Is(err, ErrHostUnreachable):
		log.WithError(err).Error("lost connection to host")
		return err
	case ctx.Err() != nil:
		log.Info("extension stopping")
		s.deregister(ctx, manager, id)
		return nil
	case errors.Is(err, errServeStopped):
		log.Info("host requested shutdown")
		return nil
	default:
		return err
	}
}

func (s *Server) transportOptions() []transport.Option {
	var opts []transport.Option
	if s.opts.maxFrameSize > 0 {
		opts = append(opts, transport.WithMaxFrameSize(s.opts.maxFrameSize))
	}
	if s.opts.unframed {
		opts = append(opts, transport.WithUnframed(thrift.ReadMessage))
	}
	return opts
}

func (s *Server) dial(ctx context.Context) (*client.Client, error) {
	dctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	return client.Dial(dctx, s.socketPath,
		client.WithLogger(s.opts.logger),
		client.WithTransportOptions(s.transportOptions()...),
	)
}

// connect dials the manager, retrying with exponential backoff while osqueryd
// may still be creating its socket.
func (s *Server) connect(ctx context.Context) (*client.Client, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	var c *client.Client
	op := func() error {
		var err error
		c, err = s.dial(ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.opts.logger.WithError(err).WithField("retry_in", wait).Debug("manager not reachable yet")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.connectRetries)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, fmt.Errorf("failed to connect to manager %s: %w", s.socketPath, err)
	}
	return c, nil
}

func (s *Server) register(ctx context.Context, manager *client.Client) (osquery.ExtensionRouteUUID, error) {
	info := &osquery.InternalExtensionInfo{
		Name:          s.name,
		Version:       s.opts.version,
		SDKVersion:    s.opts.sdkVersion,
		MinSDKVersion: s.opts.minSDKVersion,
	}

	rctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	status, err := manager.RegisterExtension(rctx, info, s.registry.Routes())
	if err != nil {
		return 0, fmt.Errorf("failed to register extension: %w", err)
	}
	if !status.OK() {
		return 0, fmt.Errorf("%w: %w", ErrRegistrationRejected, status.Err())
	}
	return status.UUID, nil
}

// deregister tells the host the extension is leaving. A host that already
// forgot the extension answers not found, which is fine.
func (s *Server) deregister(ctx context.Context, manager *client.Client, id osquery.ExtensionRouteUUID) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.timeout)
	defer cancel()

	log := s.opts.logger.WithField("ext_uuid", id)
	status, err := manager.DeregisterExtension(dctx, id)
	switch {
	case err != nil:
		log.WithError(err).Warn("failed to deregister extension")
	case !status.OK():
		log.WithField("status", status.Message).Debug("host no longer knows the extension")
	default:
		log.Debug("extension deregistered")
	}
}

// pingLoop returns ErrHostUnreachable on the first failed ping.
func (s *Server) pingLoop(ctx context.Context, pinger *client.Client) error {
	ticker := time.NewTicker(s.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		pctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
		status, err := pinger.Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHostUnreachable, err)
		}
		if !status.OK() {
			return fmt.Errorf("%w: %w", ErrHostUnreachable, status.Err())
		}
	}
}
