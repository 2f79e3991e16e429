package extension

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snowmerak/osquery.go/lib/server"
)

const (
	DefaultTimeout        = 3 * time.Second
	DefaultPingInterval   = 3 * time.Second
	DefaultConnectRetries = 5
)

// Option configures a Server.
type Option func(*options)

type options struct {
	version        string
	sdkVersion     string
	minSDKVersion  string
	timeout        time.Duration
	pingInterval   time.Duration
	connectRetries int
	callTimeout    time.Duration
	maxFrameSize   int
	unframed       bool
	logger         logrus.FieldLogger
	metrics        *server.Metrics
}

func defaultOptions() options {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return options{
		version:        "0.0.0",
		sdkVersion:     SDKVersion,
		timeout:        DefaultTimeout,
		pingInterval:   DefaultPingInterval,
		connectRetries: DefaultConnectRetries,
		logger:         discard,
	}
}

// WithVersion sets the extension version advertised at registration.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithSDKVersion overrides the advertised SDK version.
func WithSDKVersion(v string) Option {
	return func(o *options) { o.sdkVersion = v }
}

// WithMinSDKVersion sets the minimum host SDK version the extension needs.
// It is advertised verbatim; the host performs the check.
func WithMinSDKVersion(v string) Option {
	return func(o *options) { o.minSDKVersion = v }
}

// WithTimeout bounds each call to the manager and the startup dial.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPingInterval sets how often the host is pinged.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pingInterval = d
		}
	}
}

// WithConnectRetries sets how many times the startup dial is retried.
func WithConnectRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.connectRetries = n
		}
	}
}

// WithCallTimeout sets the deadline handed to plugins per call.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithMaxFrameSize bounds frames on every connection.
func WithMaxFrameSize(n int) Option {
	return func(o *options) { o.maxFrameSize = n }
}

// WithUnframed drops the frame length prefix on the manager connections and
// on the extension socket. Stock osqueryd builds use this unframed layout.
func WithUnframed() Option {
	return func(o *options) { o.unframed = true }
}

// WithLogger sets the logger shared with the dispatcher and clients.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records dispatcher metrics.
func WithMetrics(m *server.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
