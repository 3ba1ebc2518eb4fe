package provision

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a scripted Backend.
type fakeBackend struct {
	tool        Tool
	unavailable bool

	// content is written to the target when non-nil.
	content []byte

	// err is returned from Download.
	err error

	calls   atomic.Int32
	headers []http.Header
}

func (b *fakeBackend) Tool() Tool      { return b.tool }
func (b *fakeBackend) Available() bool { return !b.unavailable }

func (b *fakeBackend) Download(ctx context.Context, req DownloadRequest) (int64, error) {
	b.calls.Add(1)
	b.headers = append(b.headers, req.Header)
	if b.content != nil {
		if err := os.WriteFile(req.Target, b.content, 0644); err != nil {
			return 0, err
		}
	}
	return int64(len(b.content)), b.err
}

var _ Backend = (*fakeBackend)(nil)

func newTestTransport(t *testing.T, credential string, backends ...Backend) *Transport {
	t.Helper()
	tr, err := NewTransport(Config{AppName: "test", Credential: credential}, WithBackends(backends...))
	require.NoError(t, err)
	return tr
}

func TestTransportFetch(t *testing.T) {
	t.Run("present target is skipped without network", func(t *testing.T) {
		var requests atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.Write([]byte("new"))
		}))
		defer srv.Close()

		target := filepath.Join(t.TempDir(), "asset.bin")
		require.NoError(t, os.WriteFile(target, []byte("existing"), 0644))

		tr, err := NewTransport(Config{AppName: "test"})
		require.NoError(t, err)

		out := tr.Fetch(context.Background(), target, srv.URL, false)
		assert.True(t, out.Success)
		assert.True(t, out.Skipped)
		assert.Equal(t, ToolNone, out.ToolUsed)
		assert.Equal(t, int64(len("existing")), out.Bytes)
		assert.Zero(t, requests.Load())

		got, _ := os.ReadFile(target)
		assert.Equal(t, "existing", string(got))
	})

	t.Run("empty target is fetched again", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "asset.bin")
		require.NoError(t, os.WriteFile(target, nil, 0644))

		b := &fakeBackend{tool: ToolParallel, content: []byte("data")}
		out := newTestTransport(t, "", b).Fetch(context.Background(), target, "https://example.com/a", false)

		assert.True(t, out.Success)
		assert.False(t, out.Skipped)
		assert.Equal(t, int32(1), b.calls.Load())
	})

	t.Run("falls back in order", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "sub", "asset.bin")
		first := &fakeBackend{tool: ToolParallel, err: ErrNetworkError}
		second := &fakeBackend{tool: ToolHTTPPrimary, content: []byte("data")}
		third := &fakeBackend{tool: ToolHTTPSecondary, content: []byte("other")}

		out := newTestTransport(t, "", first, second, third).Fetch(context.Background(), target, "https://example.com/a", false)

		require.True(t, out.Success, "error = %v", out.Err)
		assert.Equal(t, ToolHTTPPrimary, out.ToolUsed)
		assert.Equal(t, int32(1), first.calls.Load())
		assert.Equal(t, int32(1), second.calls.Load())
		assert.Zero(t, third.calls.Load())
	})

	t.Run("presence wins over backend error", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "asset.bin")
		b := &fakeBackend{tool: ToolParallel, content: []byte("data"), err: errors.New("exit status 1")}

		out := newTestTransport(t, "", b).Fetch(context.Background(), target, "https://example.com/a", false)
		assert.True(t, out.Success)
		assert.Equal(t, ToolParallel, out.ToolUsed)
	})

	t.Run("nil error with empty target is a failure", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "asset.bin")
		b := &fakeBackend{tool: ToolParallel, content: []byte{}}

		out := newTestTransport(t, "", b).Fetch(context.Background(), target, "https://example.com/a", false)
		assert.False(t, out.Success)
		assert.True(t, errors.Is(out.Err, ErrTransferFailed), "error = %v", out.Err)
	})

	t.Run("all backends fail", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "asset.bin")
		first := &fakeBackend{tool: ToolParallel, err: ErrNetworkError}
		second := &fakeBackend{tool: ToolHTTPPrimary, err: ErrNotFound}

		out := newTestTransport(t, "", first, second).Fetch(context.Background(), target, "https://example.com/a", false)
		assert.False(t, out.Success)
		assert.Equal(t, ToolNone, out.ToolUsed)
		assert.True(t, errors.Is(out.Err, ErrTransferFailed))
		assert.True(t, errors.Is(out.Err, ErrNotFound), "last backend error is kept: %v", out.Err)
		assert.NoFileExists(t, target)
	})

	t.Run("no backend available", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "asset.bin")
		b := &fakeBackend{tool: ToolParallel, unavailable: true}

		out := newTestTransport(t, "", b).Fetch(context.Background(), target, "https://example.com/a", false)
		assert.False(t, out.Success)
		assert.True(t, errors.Is(out.Err, ErrToolUnavailable), "error = %v", out.Err)
		assert.Zero(t, b.calls.Load())
	})

	t.Run("unavailable backends are skipped", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "asset.bin")
		first := &fakeBackend{tool: ToolParallel, unavailable: true}
		second := &fakeBackend{tool: ToolHTTPSecondary, content: []byte("data")}

		out := newTestTransport(t, "", first, second).Fetch(context.Background(), target, "https://example.com/a", false)
		assert.True(t, out.Success)
		assert.Equal(t, ToolHTTPSecondary, out.ToolUsed)
		assert.Zero(t, first.calls.Load())
	})
}

func TestTransportAuth(t *testing.T) {
	t.Run("credential sent when required", func(t *testing.T) {
		b := &fakeBackend{tool: ToolHTTPPrimary, content: []byte("data")}
		tr := newTestTransport(t, "hf_secret", b)

		out := tr.Fetch(context.Background(), filepath.Join(t.TempDir(), "a.bin"), "https://example.com/a", true)
		require.True(t, out.Success)
		require.Len(t, b.headers, 1)
		assert.Equal(t, "Bearer hf_secret", b.headers[0].Get("Authorization"))
	})

	t.Run("credential not sent for public assets", func(t *testing.T) {
		b := &fakeBackend{tool: ToolHTTPPrimary, content: []byte("data")}
		tr := newTestTransport(t, "hf_secret", b)

		tr.Fetch(context.Background(), filepath.Join(t.TempDir(), "a.bin"), "https://example.com/a", false)
		require.Len(t, b.headers, 1)
		assert.Empty(t, b.headers[0].Get("Authorization"))
	})

	t.Run("missing credential proceeds unauthenticated", func(t *testing.T) {
		b := &fakeBackend{tool: ToolHTTPPrimary, err: ErrAuthRequired}
		tr := newTestTransport(t, "", b)

		out := tr.Fetch(context.Background(), filepath.Join(t.TempDir(), "a.bin"), "https://example.com/a", true)
		assert.Equal(t, int32(1), b.calls.Load())
		assert.False(t, out.Success)
		assert.True(t, errors.Is(out.Err, ErrAuthRequired), "error = %v", out.Err)
	})
}

func TestTransportRedact(t *testing.T) {
	tr := newTestTransport(t, "hf_secret")
	assert.Equal(t, "token ***** rejected", tr.Redact("token hf_secret rejected"))

	plain := newTestTransport(t, "")
	assert.Equal(t, "nothing to hide", plain.Redact("nothing to hide"))
}

func TestTransportProgress(t *testing.T) {
	var got []FetchProgress
	tr, err := NewTransport(Config{AppName: "test"},
		WithBackends(&progressBackend{}),
		WithProgress(func(p FetchProgress) { got = append(got, p) }),
	)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "a.bin")
	out := tr.Fetch(context.Background(), target, "https://example.com/a", false)
	require.True(t, out.Success)

	require.Len(t, got, 2)
	assert.Equal(t, FetchProgress{Target: target, Tool: ToolHTTPSecondary, BytesTotal: 4, BytesCompleted: 4}, got[1])
}

// progressBackend writes four bytes and reports progress twice.
type progressBackend struct{}

func (progressBackend) Tool() Tool      { return ToolHTTPSecondary }
func (progressBackend) Available() bool { return true }

func (progressBackend) Download(ctx context.Context, req DownloadRequest) (int64, error) {
	req.Progress(2, 4)
	req.Progress(4, 4)
	return 4, os.WriteFile(req.Target, []byte("data"), 0644)
}

func TestTransportEndToEnd(t *testing.T) {
	data := testPayload(4096)
	srv := rangeServer(t, data, nil)

	tr, err := NewTransport(Config{AppName: "test", Connections: 4})
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "models", "asset.bin")
	out := tr.Fetch(context.Background(), target, srv.URL+"/asset.bin", false)
	require.True(t, out.Success, "error = %v", out.Err)
	assert.Equal(t, ToolParallel, out.ToolUsed)
	assert.Equal(t, int64(len(data)), out.Bytes)

	again := tr.Fetch(context.Background(), target, srv.URL+"/asset.bin", false)
	assert.True(t, again.Skipped)
}
