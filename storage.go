package provision

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// partSuffix marks in-flight downloads. A part file never satisfies the
// presence invariant for its target.
const partSuffix = ".part"

// metaDirName returns the metadata directory kept inside hub snapshots.
func metaDirName(appName string) string {
	return "." + appName
}

// envVarName constructs an environment variable name from the app name.
// Converts appName to uppercase and appends "_" and key.
// Example: envVarName("xprim", "OUTPUT_DIR") returns "XPRIM_OUTPUT_DIR".
func envVarName(appName, key string) string {
	return strings.ToUpper(appName) + "_" + key
}

// isPresent reports whether path is a regular, non-empty file.
func isPresent(path string) bool {
	return fileSize(path) > 0
}

// fileSize returns the size of the regular file at path, or 0.
func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0
	}
	return info.Size()
}

// partPath returns the in-flight path for target.
func partPath(target string) string {
	return target + partSuffix
}

// ensureDir creates a directory and all parent directories if they don't exist.
func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("%w: failed to create directory %s: %v", ErrStorageError, path, err)
	}
	return nil
}

// commitPart renames a completed part file onto target.
// Empty part files are discarded.
func commitPart(part, target string) error {
	if !isPresent(part) {
		os.Remove(part)
		return fmt.Errorf("%w: %s is empty", ErrTransferFailed, filepath.Base(target))
	}
	if err := os.Rename(part, target); err != nil {
		os.Remove(part)
		return fmt.Errorf("%w: failed to rename part file: %v", ErrStorageError, err)
	}
	return nil
}

// atomicWrite writes data to a file using write-then-rename for atomicity.
func atomicWrite(path string, data []byte) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}

	// Write to temp file first
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: failed to write temp file: %v", ErrStorageError, err)
	}

	// Atomic rename
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) // cleanup on failure
		return fmt.Errorf("%w: failed to rename temp file: %v", ErrStorageError, err)
	}

	return nil
}

// writeJSON atomically writes v as indented JSON.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal %s: %v", ErrStorageError, filepath.Base(path), err)
	}
	return atomicWrite(path, data)
}

// defaultOutputDir resolves the output directory.
// Priority: configured value > platform default. Environment overrides are
// folded into the configuration by Settings.ApplyEnv.
func defaultOutputDir(appName, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	dir, err := getDefaultDataDir(appName)
	if err != nil {
		return "", fmt.Errorf("failed to get default data dir: %w", err)
	}
	return dir, nil
}
