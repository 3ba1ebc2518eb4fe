package provision

import "errors"

// Sentinel errors for provisioning operations.
// Use errors.Is() to check for specific error conditions.
var (
	// ErrToolUnavailable indicates none of the configured transport backends
	// could be used for a fetch.
	ErrToolUnavailable = errors.New("provision: no transport backend available")

	// ErrTransferFailed indicates a backend ran but the target does not
	// satisfy the presence invariant afterwards.
	ErrTransferFailed = errors.New("provision: transfer failed")

	// ErrAuthRequired indicates the source rejected the request as
	// unauthorized (HTTP 401/403).
	ErrAuthRequired = errors.New("provision: authentication required")

	// ErrNotFound indicates the source returned HTTP 404.
	ErrNotFound = errors.New("provision: not found")

	// ErrNetworkError indicates a network or connection failure.
	ErrNetworkError = errors.New("provision: network error")

	// ErrMalformedEntry indicates a catalog record or user-list token that
	// does not parse into the expected shape.
	ErrMalformedEntry = errors.New("provision: malformed entry")

	// ErrInvalidIdentifier indicates a string is not a hub identifier of the
	// form "owner/name".
	ErrInvalidIdentifier = errors.New("provision: invalid hub identifier")

	// ErrHubError indicates the content hub returned invalid or unparseable data.
	ErrHubError = errors.New("provision: invalid hub response")

	// ErrInvalidConfig indicates a setting has an invalid value.
	ErrInvalidConfig = errors.New("provision: invalid configuration")

	// ErrStorageError indicates a filesystem operation failed.
	ErrStorageError = errors.New("provision: storage error")

	// ErrLockTimeout indicates another process holds the run lock.
	ErrLockTimeout = errors.New("provision: lock timeout")

	// ErrCatalogFailed indicates the mandatory phase had failures and no
	// optional entries were attempted.
	ErrCatalogFailed = errors.New("provision: catalog assets failed")

	// ErrProvisioningFailed indicates at least one asset failed in a run that
	// also attempted optional entries.
	ErrProvisioningFailed = errors.New("provision: assets failed")
)
