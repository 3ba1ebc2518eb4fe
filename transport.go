package provision

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/fluxcd/pkg/masktoken"
)

// Transport fetches single files through an ordered chain of backends.
// The presence of the target after an attempt, not the backend's own result,
// decides success.
type Transport struct {
	// backends are tried in order until one leaves the target present.
	backends []Backend

	// credential is sent as a bearer token for auth-flagged fetches.
	credential string

	// logger receives diagnostic messages.
	logger Logger

	// progressFn receives transfer progress. May be nil.
	progressFn func(FetchProgress)
}

// NewTransport creates a Transport from cfg. Backends come from cfg.Tools
// unless WithBackends is given.
func NewTransport(cfg Config, opts ...Option) (*Transport, error) {
	return newTransport(cfg, newOptions(opts...))
}

func newTransport(cfg Config, o *options) (*Transport, error) {
	backends := o.backends
	if backends == nil {
		tools := cfg.Tools
		if len(tools) == 0 {
			tools = DefaultTools
		}
		var err error
		backends, err = newBackends(tools, cfg.Connections, o.logger)
		if err != nil {
			return nil, err
		}
	}

	return &Transport{
		backends:   backends,
		credential: cfg.Credential,
		logger:     o.logger,
		progressFn: o.progressFn,
	}, nil
}

// Fetch makes target present by downloading url.
//
// An already present target returns immediately with ToolUsed set to
// ToolNone. Otherwise each available backend is tried in order until the
// target is present. When requiresAuth is set and a credential is configured
// it is sent as a bearer token; without a credential the fetch proceeds
// unauthenticated.
func (t *Transport) Fetch(ctx context.Context, target, url string, requiresAuth bool) FetchOutcome {
	out := FetchOutcome{Target: target, URL: url, ToolUsed: ToolNone}

	if size := fileSize(target); size > 0 {
		out.Success = true
		out.Skipped = true
		out.Bytes = size
		return out
	}

	if err := ensureDir(filepath.Dir(target)); err != nil {
		out.Err = err
		return out
	}

	header := http.Header{}
	if requiresAuth {
		if t.credential != "" {
			header.Set("Authorization", "Bearer "+t.credential)
		} else {
			t.logger.Warn("no credential configured, fetching unauthenticated", "url", url)
		}
	}

	var lastErr error
	tried := 0
	for _, b := range t.backends {
		if !b.Available() {
			t.logger.Debug("transport backend unavailable", "tool", b.Tool())
			continue
		}
		tried++

		_, err := b.Download(ctx, DownloadRequest{
			URL:      url,
			Header:   header,
			Target:   target,
			Progress: t.progress(target, b.Tool()),
		})

		// The backend's error is advisory; a truncated or empty file is
		// never renamed onto the target.
		if size := fileSize(target); size > 0 {
			if err != nil {
				t.logger.Debug("backend reported an error but target is present", "tool", b.Tool(), "error", t.Redact(err.Error()))
			}
			out.Success = true
			out.ToolUsed = b.Tool()
			out.Bytes = size
			return out
		}

		if err == nil {
			err = fmt.Errorf("%w: %s left %s empty", ErrTransferFailed, b.Tool(), filepath.Base(target))
		}
		lastErr = err
		t.logger.Warn("transport backend failed", "tool", b.Tool(), "url", url, "error", t.Redact(err.Error()))

		if ctx.Err() != nil {
			break
		}
	}

	if tried == 0 {
		out.Err = fmt.Errorf("%w: %d configured", ErrToolUnavailable, len(t.backends))
		return out
	}

	out.Err = fmt.Errorf("%w: %s: %w", ErrTransferFailed, url, lastErr)
	if requiresAuth && t.credential == "" {
		out.Err = fmt.Errorf("%w: no credential configured: %w", ErrAuthRequired, out.Err)
	}
	return out
}

// Redact masks the configured credential in s.
func (t *Transport) Redact(s string) string {
	redacted, err := masktoken.MaskTokenFromString(s, t.credential)
	if err != nil {
		return s
	}
	return redacted
}

// progress returns the per-request progress callback, or nil.
func (t *Transport) progress(target string, tool Tool) func(completed, total int64) {
	if t.progressFn == nil {
		return nil
	}
	return func(completed, total int64) {
		t.progressFn(FetchProgress{
			Target:         target,
			Tool:           tool,
			BytesTotal:     total,
			BytesCompleted: completed,
		})
	}
}
