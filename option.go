package x402

import (
	"time"

	"github.com/vitwit/x402-market/clients"
	"github.com/vitwit/x402-market/logger"
	"github.com/vitwit/x402-market/metrics"
	"github.com/vitwit/x402-market/notify"
	"github.com/vitwit/x402-market/verification"
)

type Option func(*Facilitator)

func WithLogger(l logger.Logger) Option {
	return func(f *Facilitator) {
		f.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(f *Facilitator) {
		f.metrics = r
	}
}

// WithTimeout bounds a single verification, retries included.
func WithTimeout(t time.Duration) Option {
	return func(f *Facilitator) {
		f.timeout = t
	}
}

func WithCache(c verification.ResultCache) Option {
	return func(f *Facilitator) {
		f.cache = c
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(f *Facilitator) {
		f.notifier = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Facilitator) {
		f.clock = now
	}
}

// WithClients registers prebuilt clients instead of dialing the networks
// enabled in the config.
func WithClients(cs ...clients.Client) Option {
	return func(f *Facilitator) {
		f.clients = append(f.clients, cs...)
	}
}
