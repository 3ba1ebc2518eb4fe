package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
)

// Backend is one strategy in the transport fallback chain.
type Backend interface {
	// Tool names the backend in outcomes and logs.
	Tool() Tool

	// Available reports whether the backend can be used at all.
	Available() bool

	// Download fetches req.URL into req.Target and returns the number of
	// bytes written. Implementations write to a part file and rename it onto
	// the target only once the transfer is complete.
	Download(ctx context.Context, req DownloadRequest) (int64, error)
}

// DownloadRequest describes a single file transfer.
type DownloadRequest struct {
	// URL is the source.
	URL string

	// Header is sent with every request, e.g. Authorization.
	Header http.Header

	// Target is the final destination path.
	Target string

	// Progress is called with cumulative bytes written and the expected total
	// (-1 when unknown). May be nil.
	Progress func(completed, total int64)
}

// doFunc sends an HTTP request.
type doFunc func(req *http.Request) (*http.Response, error)

// newBackends builds the backend chain for the given tools.
func newBackends(tools []Tool, connections int, logger Logger) ([]Backend, error) {
	backends := make([]Backend, 0, len(tools))
	for _, tool := range tools {
		switch tool {
		case ToolParallel:
			backends = append(backends, newParallelBackend(connections))
		case ToolHTTPPrimary:
			backends = append(backends, newRetryBackend(logger))
		case ToolHTTPSecondary:
			backends = append(backends, newPlainBackend())
		default:
			return nil, fmt.Errorf("%w: unknown transport backend %q", ErrInvalidConfig, tool)
		}
	}
	return backends, nil
}

// ParseTools parses a comma-separated list of backend names. Besides the
// full tool names, the short forms "parallel", "retry" and "plain" are
// accepted.
func ParseTools(s string) ([]Tool, error) {
	var tools []Tool
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		switch name {
		case "":
			continue
		case string(ToolParallel), "parallel":
			tools = append(tools, ToolParallel)
		case string(ToolHTTPPrimary), "retry":
			tools = append(tools, ToolHTTPPrimary)
		case string(ToolHTTPSecondary), "plain":
			tools = append(tools, ToolHTTPSecondary)
		default:
			return nil, fmt.Errorf("%w: unknown transport backend %q", ErrInvalidConfig, name)
		}
	}
	return tools, nil
}

// parallelBackend downloads one file over several ranged connections.
// Servers that ignore range requests are read over a single connection.
type parallelBackend struct {
	// client is used for all range requests.
	client *http.Client

	// connections is both the split count and the connection limit.
	connections int

	// minSplit is the smallest range handed to one connection.
	minSplit int64
}

func newParallelBackend(connections int) *parallelBackend {
	if connections < 1 {
		connections = DefaultConnections
	}
	if connections > MaxConnections {
		connections = MaxConnections
	}
	return &parallelBackend{
		client:      cleanhttp.DefaultPooledClient(),
		connections: connections,
		minSplit:    MinSplitSize,
	}
}

func (b *parallelBackend) Tool() Tool      { return ToolParallel }
func (b *parallelBackend) Available() bool { return b.client != nil }

// Download probes the source with a one-byte range request. A 206 reply with
// a known total size starts the split download; a 200 reply is streamed as is.
func (b *parallelBackend) Download(ctx context.Context, req DownloadRequest) (int64, error) {
	probe, err := newGet(ctx, req)
	if err != nil {
		return 0, err
	}
	probe.Header.Set("Range", "bytes=0-0")

	resp, err := b.client.Do(probe)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		defer resp.Body.Close()
		return writeBody(resp.Body, resp.ContentLength, req)
	case http.StatusPartialContent:
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	default:
		defer resp.Body.Close()
		return 0, checkStatus(resp)
	}

	size, ok := parseContentRangeTotal(resp.Header.Get("Content-Range"))
	if !ok {
		return downloadStream(ctx, b.client.Do, req)
	}

	return b.downloadRanges(ctx, req, size)
}

// downloadRanges fetches size bytes as concurrent byte ranges written into a
// preallocated part file.
func (b *parallelBackend) downloadRanges(ctx context.Context, req DownloadRequest, size int64) (int64, error) {
	part := partPath(req.Target)
	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("%w: creating part file: %v", ErrStorageError, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(part)
		return 0, fmt.Errorf("%w: preallocating part file: %v", ErrStorageError, err)
	}

	var completed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.connections)
	for _, r := range splitRanges(size, b.connections, b.minSplit) {
		r := r
		g.Go(func() error {
			return b.fetchRange(gctx, req, f, r, size, &completed)
		})
	}

	err = g.Wait()
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("%w: closing part file: %v", ErrStorageError, closeErr)
	}
	if err != nil {
		os.Remove(part)
		return completed.Load(), err
	}

	if err := commitPart(part, req.Target); err != nil {
		return 0, err
	}
	return size, nil
}

// fetchRange downloads one byte range into f at its offset.
func (b *parallelBackend) fetchRange(ctx context.Context, req DownloadRequest, f *os.File, r byteRange, total int64, completed *atomic.Int64) error {
	httpReq, err := newGet(ctx, req)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.start, r.end))

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: range %d-%d: %v", ErrNetworkError, r.start, r.end, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		if err := checkStatus(resp); err != nil {
			return err
		}
		return fmt.Errorf("%w: range %d-%d: server replied %s", ErrTransferFailed, r.start, r.end, resp.Status)
	}

	body := &progressReader{reader: io.LimitReader(resp.Body, r.length()), onProgress: func(delta int64) {
		done := completed.Add(delta)
		if req.Progress != nil {
			req.Progress(done, total)
		}
	}}

	n, err := io.Copy(io.NewOffsetWriter(f, r.start), body)
	if err != nil {
		return fmt.Errorf("%w: range %d-%d: %v", ErrNetworkError, r.start, r.end, err)
	}
	if n != r.length() {
		return fmt.Errorf("%w: range %d-%d: got %d of %d bytes", ErrTransferFailed, r.start, r.end, n, r.length())
	}
	return nil
}

// byteRange is an inclusive byte range.
type byteRange struct {
	start, end int64
}

func (r byteRange) length() int64 {
	return r.end - r.start + 1
}

// splitRanges divides size bytes into at most splits ranges of at least
// minSplit bytes each. The last range absorbs the remainder.
func splitRanges(size int64, splits int, minSplit int64) []byteRange {
	if size <= 0 {
		return nil
	}
	if minSplit < 1 {
		minSplit = 1
	}

	count := size / minSplit
	if count > int64(splits) {
		count = int64(splits)
	}
	if count < 1 {
		count = 1
	}

	chunk := size / count
	ranges := make([]byteRange, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * chunk
		end := start + chunk - 1
		if i == count-1 {
			end = size - 1
		}
		ranges = append(ranges, byteRange{start: start, end: end})
	}
	return ranges
}

// parseContentRangeTotal extracts the complete length from a Content-Range
// header such as "bytes 0-0/1234".
func parseContentRangeTotal(header string) (int64, bool) {
	_, total, ok := strings.Cut(header, "/")
	if !ok || total == "*" {
		return 0, false
	}
	size, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil || size <= 0 {
		return 0, false
	}
	return size, true
}

// retryBackend is a single-stream client that retries connection errors and
// 5xx responses with exponential backoff.
type retryBackend struct {
	client *retryablehttp.Client
}

func newRetryBackend(logger Logger) *retryBackend {
	client := retryablehttp.NewClient()
	client.RetryMax = MaxAttempts - 1
	client.RetryWaitMin = InitialBackoff
	client.RetryWaitMax = MaxBackoff
	client.Logger = logger
	return &retryBackend{client: client}
}

func (b *retryBackend) Tool() Tool      { return ToolHTTPPrimary }
func (b *retryBackend) Available() bool { return b.client != nil }

func (b *retryBackend) Download(ctx context.Context, req DownloadRequest) (int64, error) {
	return downloadStream(ctx, func(r *http.Request) (*http.Response, error) {
		rr, err := retryablehttp.FromRequest(r)
		if err != nil {
			return nil, err
		}
		return b.client.Do(rr)
	}, req)
}

// plainBackend is a single-attempt, single-stream client.
type plainBackend struct {
	client *http.Client
}

func newPlainBackend() *plainBackend {
	return &plainBackend{client: cleanhttp.DefaultPooledClient()}
}

func (b *plainBackend) Tool() Tool      { return ToolHTTPSecondary }
func (b *plainBackend) Available() bool { return b.client != nil }

func (b *plainBackend) Download(ctx context.Context, req DownloadRequest) (int64, error) {
	return downloadStream(ctx, b.client.Do, req)
}

// newGet builds a GET request carrying the request headers.
func newGet(ctx context.Context, req DownloadRequest) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrMalformedEntry, err)
	}
	for k, v := range req.Header {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	return httpReq, nil
}

// downloadStream fetches req.URL over a single connection.
func downloadStream(ctx context.Context, do doFunc, req DownloadRequest) (int64, error) {
	httpReq, err := newGet(ctx, req)
	if err != nil {
		return 0, err
	}

	resp, err := do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, checkStatus(resp)
	}

	return writeBody(resp.Body, resp.ContentLength, req)
}

// writeBody copies body into the part file for req.Target and commits it.
// A short read against a known total is a failed transfer.
func writeBody(body io.Reader, total int64, req DownloadRequest) (int64, error) {
	part := partPath(req.Target)
	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("%w: creating part file: %v", ErrStorageError, err)
	}

	var written int64
	reader := &progressReader{reader: body, onProgress: func(delta int64) {
		written += delta
		if req.Progress != nil {
			req.Progress(written, total)
		}
	}}

	n, err := io.Copy(f, reader)
	closeErr := f.Close()
	if err != nil {
		os.Remove(part)
		return n, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	if closeErr != nil {
		os.Remove(part)
		return n, fmt.Errorf("%w: closing part file: %v", ErrStorageError, closeErr)
	}
	if total >= 0 && n != total {
		os.Remove(part)
		return n, fmt.Errorf("%w: got %d of %d bytes", ErrTransferFailed, n, total)
	}

	if err := commitPart(part, req.Target); err != nil {
		return n, err
	}
	return n, nil
}

// checkStatus maps a non-success response to a sentinel error.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %s", ErrAuthRequired, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: status %s", ErrNotFound, resp.Status)
	default:
		return fmt.Errorf("%w: status %s", ErrTransferFailed, resp.Status)
	}
}

// progressReader wraps an io.Reader and reports progress as bytes are read.
type progressReader struct {
	reader     io.Reader
	onProgress func(delta int64)
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 && pr.onProgress != nil {
		pr.onProgress(int64(n))
	}
	return
}
