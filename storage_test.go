package provision

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvVarName(t *testing.T) {
	tests := []struct {
		appName string
		key     string
		want    string
	}{
		{"xprim", "OUTPUT_DIR", "XPRIM_OUTPUT_DIR"},
		{"myapp", "EXTRA_ASSETS", "MYAPP_EXTRA_ASSETS"},
		{"MyApp", "APP_ROOT", "MYAPP_APP_ROOT"},
		{"my-app", "CATALOG", "MY-APP_CATALOG"},
	}

	for _, tt := range tests {
		t.Run(tt.appName, func(t *testing.T) {
			got := envVarName(tt.appName, tt.key)
			if got != tt.want {
				t.Errorf("envVarName(%q, %q) = %q, want %q", tt.appName, tt.key, got, tt.want)
			}
		})
	}
}

func TestIsPresent(t *testing.T) {
	tmpDir := t.TempDir()

	full := filepath.Join(tmpDir, "full.bin")
	if err := os.WriteFile(full, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(tmpDir, "empty.bin")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"non-empty file", full, true},
		{"empty file", empty, false},
		{"missing file", filepath.Join(tmpDir, "missing.bin"), false},
		{"directory", tmpDir, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPresent(tt.path); got != tt.want {
				t.Errorf("isPresent(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestCommitPart(t *testing.T) {
	t.Run("renames non-empty part", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "asset.bin")
		if err := os.WriteFile(partPath(target), []byte("data"), 0644); err != nil {
			t.Fatal(err)
		}

		if err := commitPart(partPath(target), target); err != nil {
			t.Fatalf("commitPart() error = %v", err)
		}
		if !isPresent(target) {
			t.Error("target should be present after commit")
		}
		if _, err := os.Stat(partPath(target)); !os.IsNotExist(err) {
			t.Error("part file should be gone after commit")
		}
	})

	t.Run("discards empty part", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "asset.bin")
		if err := os.WriteFile(partPath(target), nil, 0644); err != nil {
			t.Fatal(err)
		}

		err := commitPart(partPath(target), target)
		if !errors.Is(err, ErrTransferFailed) {
			t.Errorf("commitPart() error = %v, want ErrTransferFailed", err)
		}
		if _, err := os.Stat(target); !os.IsNotExist(err) {
			t.Error("target should not exist")
		}
		if _, err := os.Stat(partPath(target)); !os.IsNotExist(err) {
			t.Error("empty part file should be removed")
		}
	})
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "file.json")
	data := []byte(`{"test": "data"}`)

	if err := atomicWrite(path, data); err != nil {
		t.Fatalf("atomicWrite() error = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("content = %q, want %q", string(got), string(data))
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not exist after atomicWrite()")
	}
}

func TestEnsureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c")

	if err := ensureDir(path); err != nil {
		t.Fatalf("ensureDir() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		t.Errorf("ensureDir() did not create directory %q", path)
	}

	// Idempotent
	if err := ensureDir(path); err != nil {
		t.Errorf("ensureDir() second call error = %v", err)
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ensureDir(filepath.Join(file, "sub")); !errors.Is(err, ErrStorageError) {
		t.Errorf("ensureDir() under a file error = %v, want ErrStorageError", err)
	}
}

func TestDefaultOutputDir(t *testing.T) {
	got, err := defaultOutputDir("testapp", "/configured")
	if err != nil || got != "/configured" {
		t.Errorf("defaultOutputDir() = %q, %v, want /configured", got, err)
	}

	dir, err := defaultOutputDir("testapp", "")
	if err != nil {
		t.Fatalf("defaultOutputDir() error = %v", err)
	}
	if !filepath.IsAbs(dir) {
		t.Errorf("default output dir should be absolute, got %q", dir)
	}
	if filepath.Base(dir) != "assets" || filepath.Base(filepath.Dir(dir)) != "testapp" {
		t.Errorf("default output dir = %q, want .../testapp/assets", dir)
	}
}
