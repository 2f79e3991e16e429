package server

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Option configures a Dispatcher.
type Option func(*options)

type options struct {
	logger      logrus.FieldLogger
	callTimeout time.Duration
	metrics     *Metrics
}

func defaultOptions() options {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return options{logger: discard}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCallTimeout sets the deadline of the context handed to plugins. The
// protocol cannot interrupt a call, so plugins have to honour it themselves.
// Zero means no deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		o.callTimeout = d
	}
}

// WithMetrics records call and ping metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
