package provision

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultAppMarker prefixes logical paths that belong to the application tree.
const DefaultAppMarker = "ComfyUI/"

// DefaultAppRootCandidates are probed, in order, for the application root:
// the container-standard location, the workspace location and the current
// directory.
var DefaultAppRootCandidates = []string{
	"/ComfyUI",
	"/workspace/ComfyUI",
	"ComfyUI",
}

// DiscoverRoot builds the RootContext for one run.
// A non-empty override is probed before candidates. The first candidate that
// exists as a directory becomes the application root; when none exists the
// application root is absent. Relative paths are made absolute against the
// working directory.
func DiscoverRoot(candidates []string, override, outputDir string) RootContext {
	probe := candidates
	if override != "" {
		probe = append([]string{override}, candidates...)
	}

	rc := RootContext{OutputDir: absPath(outputDir)}
	if dir, ok := firstExistingDir(probe); ok {
		rc.ApplicationRoot = absPath(dir)
	}
	return rc
}

// firstExistingDir returns the first path that is an existing directory.
func firstExistingDir(paths []string) (string, bool) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// Resolve maps a catalog logical path to an absolute target path.
//
// Marker-prefixed paths have the marker stripped and land under the
// application root, or under the output directory when the application root
// is absent. Other paths land under the application root if present, else
// under the output directory.
func Resolve(logicalPath string, rc RootContext, marker string) string {
	base := rc.OutputDir
	if rc.HasApplicationRoot() {
		base = rc.ApplicationRoot
	}

	rel := logicalPath
	if marker != "" && strings.HasPrefix(logicalPath, marker) {
		rel = strings.TrimPrefix(logicalPath, marker)
	}

	return filepath.Join(base, filepath.FromSlash(rel))
}

// absPath returns p as an absolute, cleaned path. p is returned cleaned when
// the working directory cannot be determined.
func absPath(p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}
