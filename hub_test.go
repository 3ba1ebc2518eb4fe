package provision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHub serves snapshot listings and file downloads for one repository.
type fakeHub struct {
	owner, name string
	sha         string
	files       map[string]string

	// missing lists files whose download returns 404.
	missing map[string]bool

	// auth, when set, is the required bearer token.
	auth string

	fileCalls atomic.Int32
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.auth != "" && r.Header.Get("Authorization") != "Bearer "+h.auth {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	apiPrefix := "/api/models/" + h.owner + "/" + h.name + "/revision/main"
	filePrefix := "/" + h.owner + "/" + h.name + "/resolve/main/"

	switch {
	case r.URL.Path == apiPrefix:
		info := snapshotInfo{ID: h.owner + "/" + h.name, SHA: h.sha}
		for name := range h.files {
			info.Siblings = append(info.Siblings, snapshotFile{RFilename: name})
		}
		for name := range h.missing {
			info.Siblings = append(info.Siblings, snapshotFile{RFilename: name})
		}
		json.NewEncoder(w).Encode(info)
	case strings.HasPrefix(r.URL.Path, filePrefix):
		h.fileCalls.Add(1)
		name := strings.TrimPrefix(r.URL.Path, filePrefix)
		content, ok := h.files[name]
		if !ok || h.missing[name] {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(content))
	default:
		http.NotFound(w, r)
	}
}

func newTestHubClient(t *testing.T, endpoint, credential string) *hubClient {
	t.Helper()
	cfg := Config{AppName: "test", HubEndpoint: endpoint, Credential: credential}
	tr, err := NewTransport(cfg, WithBackends(newPlainBackend()))
	require.NoError(t, err)
	return newHubClient(cfg, http.DefaultClient, tr, nopLogger{})
}

func TestFetchHubAsset(t *testing.T) {
	t.Run("downloads every file of the snapshot", func(t *testing.T) {
		hub := &fakeHub{
			owner: "acme", name: "tiny-model", sha: "abc123",
			files: map[string]string{
				"config.json":              `{"a":1}`,
				"model.safetensors":        "weights",
				"tokenizer/tokenizer.json": "{}",
			},
		}
		srv := httptest.NewServer(hub)
		defer srv.Close()

		out := t.TempDir()
		err := newTestHubClient(t, srv.URL+"/", "").FetchHubAsset(context.Background(), "acme/tiny-model", out)
		require.NoError(t, err)

		dir := filepath.Join(out, "acme", "tiny-model")
		for name, content := range hub.files {
			got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
			require.NoError(t, err, name)
			assert.Equal(t, content, string(got))
		}

		data, err := os.ReadFile(filepath.Join(dir, ".test", "snapshot.json"))
		require.NoError(t, err)
		var record snapshotRecord
		require.NoError(t, json.Unmarshal(data, &record))
		assert.Equal(t, "acme/tiny-model", record.Identifier)
		assert.Equal(t, "abc123", record.SHA)
		assert.Len(t, record.Files, 3)
	})

	t.Run("second fetch downloads nothing", func(t *testing.T) {
		hub := &fakeHub{owner: "acme", name: "m", files: map[string]string{"a.bin": "a", "b.bin": "b"}}
		srv := httptest.NewServer(hub)
		defer srv.Close()

		out := t.TempDir()
		client := newTestHubClient(t, srv.URL, "")
		require.NoError(t, client.FetchHubAsset(context.Background(), "acme/m", out))
		require.Equal(t, int32(2), hub.fileCalls.Load())

		require.NoError(t, client.FetchHubAsset(context.Background(), "acme/m", out))
		assert.Equal(t, int32(2), hub.fileCalls.Load())
	})

	t.Run("partial snapshot is a failure", func(t *testing.T) {
		hub := &fakeHub{
			owner: "acme", name: "m",
			files:   map[string]string{"a.bin": "a"},
			missing: map[string]bool{"b.bin": true},
		}
		srv := httptest.NewServer(hub)
		defer srv.Close()

		out := t.TempDir()
		err := newTestHubClient(t, srv.URL, "").FetchHubAsset(context.Background(), "acme/m", out)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound), "error = %v", err)
		assert.FileExists(t, filepath.Join(out, "acme", "m", "a.bin"))
		assert.NoFileExists(t, filepath.Join(out, "acme", "m", ".test", "snapshot.json"))
	})

	t.Run("unknown repository", func(t *testing.T) {
		hub := &fakeHub{owner: "acme", name: "m"}
		srv := httptest.NewServer(hub)
		defer srv.Close()

		err := newTestHubClient(t, srv.URL, "").FetchHubAsset(context.Background(), "acme/other", t.TempDir())
		assert.True(t, errors.Is(err, ErrNotFound), "error = %v", err)
	})

	t.Run("gated repository requires credential", func(t *testing.T) {
		hub := &fakeHub{owner: "acme", name: "gated", auth: "hf_token", files: map[string]string{"a.bin": "a"}}
		srv := httptest.NewServer(hub)
		defer srv.Close()

		err := newTestHubClient(t, srv.URL, "").FetchHubAsset(context.Background(), "acme/gated", t.TempDir())
		assert.True(t, errors.Is(err, ErrAuthRequired), "error = %v", err)

		err = newTestHubClient(t, srv.URL, "hf_token").FetchHubAsset(context.Background(), "acme/gated", t.TempDir())
		assert.NoError(t, err)
	})

	t.Run("empty snapshot", func(t *testing.T) {
		hub := &fakeHub{owner: "acme", name: "empty"}
		srv := httptest.NewServer(hub)
		defer srv.Close()

		err := newTestHubClient(t, srv.URL, "").FetchHubAsset(context.Background(), "acme/empty", t.TempDir())
		assert.True(t, errors.Is(err, ErrHubError), "error = %v", err)
	})

	t.Run("unreachable hub keeps the cause", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		endpoint := srv.URL
		srv.Close()

		err := newTestHubClient(t, endpoint, "").FetchHubAsset(context.Background(), "acme/gone", t.TempDir())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNetworkError), "error = %v", err)
		assert.Contains(t, err.Error(), "dial tcp")
	})

	t.Run("invalid identifier", func(t *testing.T) {
		err := newTestHubClient(t, "http://127.0.0.1:0", "").FetchHubAsset(context.Background(), "not-an-id", t.TempDir())
		assert.True(t, errors.Is(err, ErrInvalidIdentifier), "error = %v", err)
	})

	t.Run("escaping file names are rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(snapshotInfo{Siblings: []snapshotFile{{RFilename: "../../etc/passwd"}}})
		}))
		defer srv.Close()

		err := newTestHubClient(t, srv.URL, "").FetchHubAsset(context.Background(), "acme/evil", t.TempDir())
		assert.True(t, errors.Is(err, ErrHubError), "error = %v", err)
	})

	t.Run("malformed listing", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>"))
		}))
		defer srv.Close()

		err := newTestHubClient(t, srv.URL, "").FetchHubAsset(context.Background(), "acme/m", t.TempDir())
		assert.True(t, errors.Is(err, ErrHubError), "error = %v", err)
	})
}

func TestHubFileURL(t *testing.T) {
	h := newHubClient(Config{HubEndpoint: "https://hub.example.com/"}, http.DefaultClient, nil, nopLogger{})
	assert.Equal(t,
		"https://hub.example.com/acme/m/resolve/main/sub%20dir/file.bin",
		h.fileURL("acme", "m", "sub dir/file.bin"))
}
