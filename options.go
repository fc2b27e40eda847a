package loxone

import (
	"log/slog"
	"time"

	"github.com/kjellberg/loxone/protocol"
	"github.com/kjellberg/loxone/scheduler"
	"github.com/kjellberg/loxone/transport"
)

// Default tuning parameters (spec §6).
const (
	DefaultAuthTimeout  = 3 * time.Second
	DefaultVisuTimeout  = 3 * time.Second
	DefaultRetries      = 5
	DefaultRetryBackoff = 10 * time.Millisecond
)

type config struct {
	authTimeout      time.Duration
	visuTimeout      time.Duration
	retries          int
	autoRestart      bool
	logger           *slog.Logger
	httpFetcher      protocol.HTTPFetcher
	scheduler        protocol.Scheduler
	transportFactory protocol.TransportFactory
}

func defaultConfig(baseURL string) config {
	return config{
		authTimeout:      DefaultAuthTimeout,
		visuTimeout:      DefaultVisuTimeout,
		retries:          DefaultRetries,
		autoRestart:      false,
		logger:           slog.Default(),
		httpFetcher:      transport.NewHTTPFetcher(baseURL),
		scheduler:        scheduler.New(),
		transportFactory: transport.NewFactory(),
	}
}

// Option configures a Session at construction time.
type Option func(*config)

// WithAuthTimeout overrides the primary auth latch timeout.
func WithAuthTimeout(d time.Duration) Option {
	return func(c *config) { c.authTimeout = d }
}

// WithVisuTimeout overrides the visualisation auth latch timeout.
func WithVisuTimeout(d time.Duration) Option {
	return func(c *config) { c.visuTimeout = d }
}

// WithRetries overrides the send-path retry count.
func WithRetries(n int) Option {
	return func(c *config) { c.retries = n }
}

// WithAutoRestart enables automatic reconnection on remote close.
func WithAutoRestart(enabled bool) Option {
	return func(c *config) { c.autoRestart = enabled }
}

// WithLogger overrides the injected structured logger. nil is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPFetcher overrides the HTTP bootstrap collaborator.
func WithHTTPFetcher(f protocol.HTTPFetcher) Option {
	return func(c *config) { c.httpFetcher = f }
}

// WithScheduler overrides the shared timed executor.
func WithScheduler(s protocol.Scheduler) Option {
	return func(c *config) { c.scheduler = s }
}

// WithTransportFactory overrides the WebSocket transport constructor.
func WithTransportFactory(f protocol.TransportFactory) Option {
	return func(c *config) { c.transportFactory = f }
}
