package provision

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Config configures the provisioning module.
type Config struct {
	// AppName determines the default storage directory and the environment
	// variable prefix.
	// Example: "xprim" → ~/.local/share/xprim/assets/ and XPRIM_OUTPUT_DIR
	AppName string

	// OutputDir is the fallback root for catalog assets and the flat
	// destination for user-supplied entries.
	// If empty, uses the platform-appropriate default.
	OutputDir string

	// AppRoot overrides application root discovery. It is probed before the
	// built-in candidates.
	AppRoot string

	// AppRootCandidates lists directories probed, in order, for the
	// application root. Defaults to DefaultAppRootCandidates.
	AppRootCandidates []string

	// AppMarker is the logical path prefix naming the application tree.
	// Defaults to DefaultAppMarker.
	AppMarker string

	// Credential is the bearer token for the hub and auth-flagged assets.
	Credential string

	// HubEndpoint is the base URL of the content hub.
	// Defaults to DefaultHubEndpoint.
	HubEndpoint string

	// HubRevision is the snapshot revision fetched for hub identifiers.
	// Defaults to DefaultHubRevision.
	HubRevision string

	// Tools lists the transport backends, in priority order.
	// Defaults to DefaultTools.
	Tools []Tool

	// Connections is the connection and split count of the
	// multi-connection downloader. Defaults to DefaultConnections.
	Connections int
}

// AssetSpec is one entry in the asset catalog.
type AssetSpec struct {
	// LogicalPath is the target path, optionally prefixed with the
	// application-tree marker, e.g. "ComfyUI/models/vae/ae.safetensors".
	LogicalPath string `json:"logical_path"`

	// SourceURL is where the asset is fetched from.
	SourceURL string `json:"source_url"`

	// RequiresAuth sends the configured credential as a bearer token.
	RequiresAuth bool `json:"requires_auth"`
}

// String returns the pipe-delimited catalog record form.
func (a AssetSpec) String() string {
	return fmt.Sprintf("%s|%s|%t", a.LogicalPath, a.SourceURL, a.RequiresAuth)
}

// Catalog is a parsed asset catalog.
type Catalog struct {
	// Entries are the well-formed records in declaration order.
	Entries []AssetSpec

	// Malformed holds one error per record that failed to parse.
	// Each wraps ErrMalformedEntry.
	Malformed []error
}

// RootContext carries the roots logical paths resolve against.
// It is derived once per run and never persisted.
type RootContext struct {
	// ApplicationRoot is the discovered application directory.
	// Empty means no candidate existed.
	ApplicationRoot string `json:"application_root,omitempty"`

	// OutputDir is the fallback root and the destination of user entries.
	OutputDir string `json:"output_dir"`
}

// HasApplicationRoot reports whether an application root was discovered.
func (rc RootContext) HasApplicationRoot() bool {
	return rc.ApplicationRoot != ""
}

// Tool names a transport backend.
type Tool string

const (
	// ToolParallel is the built-in multi-connection ranged downloader.
	ToolParallel Tool = "multi-connection-downloader"

	// ToolHTTPPrimary is the retrying HTTP client.
	ToolHTTPPrimary Tool = "http-client-primary"

	// ToolHTTPSecondary is the plain single-attempt HTTP client.
	ToolHTTPSecondary Tool = "http-client-secondary"

	// ToolNone is reported when no backend ran, either because the target
	// was already present or because every backend was unavailable.
	ToolNone Tool = "none"
)

// FetchOutcome is the result of one Transport fetch.
type FetchOutcome struct {
	// Target is the absolute destination path.
	Target string

	// URL is the source URL.
	URL string

	// Success reports whether Target satisfies the presence invariant.
	Success bool

	// Skipped is true when Target was already present and no network
	// activity happened.
	Skipped bool

	// ToolUsed is the backend that produced Target, or ToolNone.
	ToolUsed Tool

	// Bytes is the size of Target after the fetch.
	Bytes int64

	// Err describes the failure when Success is false.
	Err error
}

// ProvisioningReport aggregates per-asset outcomes of one run.
type ProvisioningReport struct {
	// Attempted counts every catalog entry and user token processed.
	Attempted int `json:"attempted"`

	// Failed counts entries that did not end up present.
	Failed int `json:"failed"`

	// Skipped counts entries that were already present.
	Skipped int `json:"skipped"`

	// CatalogAttempted is the mandatory-phase share of Attempted.
	CatalogAttempted int `json:"catalog_attempted"`

	// CatalogFailed is the mandatory-phase share of Failed.
	CatalogFailed int `json:"catalog_failed"`

	// ExtraAttempted is the optional-phase share of Attempted.
	ExtraAttempted int `json:"extra_attempted"`

	// ExtraFailed is the optional-phase share of Failed.
	ExtraFailed int `json:"extra_failed"`

	errs *multierror.Error
}

// OK reports whether the run had no failures.
func (r ProvisioningReport) OK() bool {
	return r.Failed == 0
}

// Errors returns the per-asset errors folded into the report.
func (r ProvisioningReport) Errors() []error {
	if r.errs == nil {
		return nil
	}
	return r.errs.Errors
}

// Err returns nil for a clean run. Otherwise it wraps ErrCatalogFailed when
// only the mandatory phase ran, or ErrProvisioningFailed.
func (r ProvisioningReport) Err() error {
	if r.OK() {
		return nil
	}
	sentinel := ErrProvisioningFailed
	if r.ExtraAttempted == 0 {
		sentinel = ErrCatalogFailed
	}
	return fmt.Errorf("%d of %d assets failed: %w", r.Failed, r.Attempted, sentinel)
}

// recordCatalog folds one mandatory-phase outcome into the report.
func (r *ProvisioningReport) recordCatalog(err error, skipped bool) {
	r.Attempted++
	r.CatalogAttempted++
	r.record(err, skipped, &r.CatalogFailed)
}

// recordExtra folds one optional-phase outcome into the report.
func (r *ProvisioningReport) recordExtra(err error, skipped bool) {
	r.Attempted++
	r.ExtraAttempted++
	r.record(err, skipped, &r.ExtraFailed)
}

func (r *ProvisioningReport) record(err error, skipped bool, phaseFailed *int) {
	if err != nil {
		r.Failed++
		*phaseFailed++
		r.errs = multierror.Append(r.errs, err)
		return
	}
	if skipped {
		r.Skipped++
	}
}

// FetchProgress reports transfer progress for a single asset.
type FetchProgress struct {
	// Target is the destination being written.
	Target string

	// Tool is the backend performing the transfer.
	Tool Tool

	// BytesTotal is the expected size, or -1 when unknown.
	BytesTotal int64

	// BytesCompleted is the number of bytes written so far.
	BytesCompleted int64
}
