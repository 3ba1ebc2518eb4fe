package provision

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
	"unicode"
)

// TokenKind classifies a user-supplied asset token.
type TokenKind int

const (
	// TokenURL is a direct download URL.
	TokenURL TokenKind = iota

	// TokenHub is an "owner/name" hub identifier.
	TokenHub
)

func (k TokenKind) String() string {
	if k == TokenHub {
		return "hub"
	}
	return "url"
}

// hubIDPattern matches "owner/name" with exactly one slash and two non-empty
// segments. A colon marks a scheme, so it never appears in an identifier.
var hubIDPattern = regexp.MustCompile(`^[^/\s:]+/[^/\s:]+$`)

// NormalizeUserList splits raw on commas, semicolons and whitespace
// (newlines included), dropping empty tokens. Order is preserved.
func NormalizeUserList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})
}

// LoadUserListFile reads a line-oriented asset list. Lines whose first
// non-blank character is "#" are comments. A missing file yields an empty
// list.
func LoadUserListFile(filename string) ([]string, error) {
	data, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading asset list: %w", err)
	}

	var b strings.Builder
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return NormalizeUserList(b.String()), nil
}

// IsHubIdentifier reports whether token has the "owner/name" shape.
func IsHubIdentifier(token string) bool {
	return hubIDPattern.MatchString(token)
}

// Classify returns TokenHub for hub identifiers and TokenURL for everything
// else.
func Classify(token string) TokenKind {
	if IsHubIdentifier(token) {
		return TokenHub
	}
	return TokenURL
}

// ParseHubIdentifier splits an "owner/name" identifier.
func ParseHubIdentifier(id string) (owner, name string, err error) {
	if !IsHubIdentifier(id) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	owner, name, _ = strings.Cut(id, "/")
	if owner == "." || owner == ".." || name == "." || name == ".." {
		return "", "", fmt.Errorf("%w: %q names a relative directory", ErrInvalidIdentifier, id)
	}
	return owner, name, nil
}

// filenameFromURL derives a target filename from the final path segment of
// an http(s) URL.
func filenameFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformedEntry, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %q is neither a hub identifier nor an http(s) URL", ErrMalformedEntry, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrMalformedEntry, raw)
	}

	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", fmt.Errorf("%w: %q has no file name", ErrMalformedEntry, raw)
	}
	return name, nil
}
