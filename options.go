package provision

import (
	"net/http"
	"time"
)

// Transport constants for the multi-connection downloader.
const (
	// DefaultConnections is the default number of parallel connections and
	// byte-range splits per file.
	DefaultConnections = 16

	// MaxConnections is the maximum allowed number of parallel connections.
	MaxConnections = 64

	// MinSplitSize is the smallest byte range handed to a single connection.
	MinSplitSize = 1 << 20
)

// Retry configuration constants for the retrying HTTP client.
const (
	// MaxAttempts is the total number of attempts, first try included.
	MaxAttempts = 3

	// InitialBackoff is the initial backoff duration before first retry.
	InitialBackoff = 1 * time.Second

	// MaxBackoff is the maximum backoff duration between retries.
	MaxBackoff = 4 * time.Second
)

// Hub defaults.
const (
	// DefaultHubEndpoint is the content hub base URL.
	DefaultHubEndpoint = "https://huggingface.co"

	// DefaultHubRevision is the snapshot revision fetched for identifiers.
	DefaultHubRevision = "main"
)

// DefaultTools is the backend priority order.
var DefaultTools = []Tool{ToolParallel, ToolHTTPPrimary, ToolHTTPSecondary}

// Option configures a Provisioner or a Transport.
type Option func(*options)

// options holds configuration shared by Provisioner and Transport construction.
type options struct {
	// httpClient is used for hub API requests.
	httpClient HTTPClient

	// logger receives diagnostic log messages.
	logger Logger

	// backends replaces the backends built from Config.Tools.
	backends []Backend

	// progressFn is called with transfer progress.
	progressFn func(FetchProgress)

	// lockTimeout enables the run lock when non-zero.
	lockTimeout time.Duration
}

// newOptions returns options with default values.
func newOptions(opts ...Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = nopLogger{}
	}
	return o
}

// WithHTTPClient sets a custom HTTP client for hub API requests.
// If not set, a pooled client from go-cleanhttp is used.
func WithHTTPClient(client HTTPClient) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithLogger sets a logger for diagnostic output.
// If not set, logging is disabled.
func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBackends replaces the transport backends built from Config.Tools.
// Backends are tried in the given order.
func WithBackends(backends ...Backend) Option {
	return func(o *options) {
		o.backends = backends
	}
}

// WithProgress sets a callback for transfer progress.
// The multi-connection downloader invokes it from several goroutines, so it
// must be thread-safe.
func WithProgress(fn func(FetchProgress)) Option {
	return func(o *options) {
		o.progressFn = fn
	}
}

// WithRunLock makes Run hold an exclusive lock file in the output directory,
// waiting at most timeout for another run to release it.
func WithRunLock(timeout time.Duration) Option {
	return func(o *options) {
		o.lockTimeout = timeout
	}
}

// HTTPClient is the interface for HTTP operations.
// *http.Client satisfies this interface.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)
}

// Logger is the interface for diagnostic logging.
// Compatible with slog, zap's SugaredLogger via a thin adapter, and the
// LeveledLogger of go-retryablehttp.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
