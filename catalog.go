package provision

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
)

//go:embed catalog.txt
var defaultCatalog string

// DefaultCatalog returns the catalog built into the binary.
func DefaultCatalog() Catalog {
	return ParseCatalog(strings.NewReader(defaultCatalog))
}

// LoadCatalogFile reads and parses a catalog file.
func LoadCatalogFile(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()

	return ParseCatalog(f), nil
}

// ParseCatalog parses pipe-delimited catalog records, one per line.
// Blank lines and lines starting with "#" are ignored. Records that fail to
// parse are collected in Catalog.Malformed and otherwise skipped.
func ParseCatalog(r io.Reader) Catalog {
	var cat Catalog

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		spec, err := ParseAssetSpec(line)
		if err != nil {
			cat.Malformed = append(cat.Malformed, fmt.Errorf("line %d: %w", lineNo, err))
			continue
		}
		cat.Entries = append(cat.Entries, spec)
	}
	if err := scanner.Err(); err != nil {
		cat.Malformed = append(cat.Malformed, fmt.Errorf("line %d: %w: %v", lineNo+1, ErrMalformedEntry, err))
	}

	return cat
}

// ParseAssetSpec parses one "logicalPath|sourceURL|requiresAuth" record.
// requiresAuth must be the literal "true" or "false".
func ParseAssetSpec(record string) (AssetSpec, error) {
	parts := strings.Split(record, "|")
	if len(parts) != 3 {
		return AssetSpec{}, fmt.Errorf("%w: want 3 fields, got %d in %q", ErrMalformedEntry, len(parts), record)
	}

	logicalPath := strings.TrimSpace(parts[0])
	sourceURL := strings.TrimSpace(parts[1])
	if logicalPath == "" || sourceURL == "" {
		return AssetSpec{}, fmt.Errorf("%w: empty path or url in %q", ErrMalformedEntry, record)
	}

	var requiresAuth bool
	switch strings.TrimSpace(parts[2]) {
	case "true":
		requiresAuth = true
	case "false":
	default:
		return AssetSpec{}, fmt.Errorf("%w: auth flag %q is not true or false", ErrMalformedEntry, parts[2])
	}

	return AssetSpec{
		LogicalPath:  logicalPath,
		SourceURL:    sourceURL,
		RequiresAuth: requiresAuth,
	}, nil
}
