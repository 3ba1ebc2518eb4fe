package provision

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-cleanhttp"
)

// DefaultLockTimeout is the default timeout for acquiring the run lock.
const DefaultLockTimeout = 30 * time.Minute

// hubFetcher is the part of the hub client used by the orchestrator.
type hubFetcher interface {
	FetchHubAsset(ctx context.Context, identifier, outputDir string) error
}

// Provisioner runs the two provisioning phases: the mandatory catalog and the
// optional user-supplied entries. Runs are sequential; a Provisioner must not
// be used for concurrent Run calls.
type Provisioner struct {
	// cfg holds the module configuration.
	cfg Config

	// logger receives the per-asset log stream.
	logger Logger

	// transport fetches single files.
	transport fetcher

	// hub fetches snapshots for hub identifiers.
	hub hubFetcher

	// redact masks the credential in logged messages.
	redact func(string) string

	// lockTimeout enables the run lock when non-zero.
	lockTimeout time.Duration
}

// NewProvisioner creates a Provisioner with the given configuration.
// Returns an error if the configuration is invalid.
func NewProvisioner(cfg Config, opts ...Option) (*Provisioner, error) {
	if cfg.AppName == "" {
		return nil, errors.New("provision: AppName is required")
	}
	if cfg.AppMarker == "" {
		cfg.AppMarker = DefaultAppMarker
	}

	o := newOptions(opts...)

	transport, err := newTransport(cfg, o)
	if err != nil {
		return nil, fmt.Errorf("provision: %w", err)
	}

	client := o.httpClient
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}

	return &Provisioner{
		cfg:         cfg,
		logger:      o.logger,
		transport:   transport,
		hub:         newHubClient(cfg, client, transport, o.logger),
		redact:      transport.Redact,
		lockTimeout: o.lockTimeout,
	}, nil
}

// Run provisions every catalog entry under rc, then every extra entry under
// rc.OutputDir. Per-asset failures are logged and counted in the report; they
// never stop the run. The returned error is non-nil only when the run could
// not start, e.g. because the output directory cannot be created.
func (p *Provisioner) Run(ctx context.Context, catalog Catalog, rc RootContext, extra []string) (ProvisioningReport, error) {
	var report ProvisioningReport

	if rc.OutputDir == "" {
		return report, fmt.Errorf("%w: output directory is not set", ErrStorageError)
	}
	if err := ensureDir(rc.OutputDir); err != nil {
		return report, err
	}

	if p.lockTimeout > 0 {
		lock, err := newFileLock(filepath.Join(rc.OutputDir, "."+p.cfg.AppName+"-provision.lock"), p.lockTimeout)
		if err != nil {
			return report, fmt.Errorf("%w: failed to create run lock: %v", ErrStorageError, err)
		}
		if err := lock.Lock(ctx); err != nil {
			lock.Unlock()
			return report, fmt.Errorf("acquiring run lock: %w", err)
		}
		defer lock.Unlock()
	}

	tokens := NormalizeUserList(strings.Join(extra, "\n"))

	appRoot := rc.ApplicationRoot
	if appRoot == "" {
		appRoot = "(none)"
	}
	p.logger.Info("provisioning started",
		"output_dir", rc.OutputDir,
		"application_root", appRoot,
		"catalog", len(catalog.Entries),
		"extra", len(tokens))

	for _, err := range catalog.Malformed {
		p.logger.Warn("skipping malformed catalog record", "error", err)
	}

	for _, spec := range catalog.Entries {
		skipped, err := p.fetchCatalogAsset(ctx, spec, rc)
		report.recordCatalog(err, skipped)
	}

	for _, token := range tokens {
		skipped, err := p.fetchExtra(ctx, token, rc.OutputDir)
		report.recordExtra(err, skipped)
	}

	p.logger.Info("provisioning finished",
		"attempted", report.Attempted,
		"failed", report.Failed,
		"skipped", report.Skipped)

	return report, nil
}

// fetchCatalogAsset resolves and fetches one catalog entry.
func (p *Provisioner) fetchCatalogAsset(ctx context.Context, spec AssetSpec, rc RootContext) (bool, error) {
	target := Resolve(spec.LogicalPath, rc, p.cfg.AppMarker)
	p.logger.Info("fetching asset", "path", spec.LogicalPath, "url", spec.SourceURL)
	return p.logOutcome(p.transport.Fetch(ctx, target, spec.SourceURL, spec.RequiresAuth))
}

// fetchExtra dispatches one user token to the hub client or the transport.
func (p *Provisioner) fetchExtra(ctx context.Context, token, outputDir string) (bool, error) {
	if Classify(token) == TokenHub {
		owner, name, _ := ParseHubIdentifier(token)
		p.logger.Info("fetching hub snapshot", "identifier", token)
		if err := p.hub.FetchHubAsset(ctx, token, outputDir); err != nil {
			err = fmt.Errorf("hub snapshot %s: %w", token, err)
			p.logger.Error("hub snapshot failed", "identifier", token, "error", p.redact(err.Error()))
			return false, err
		}
		p.logger.Info("hub snapshot present", "identifier", token, "target", snapshotDir(outputDir, owner, name))
		return false, nil
	}

	name, err := filenameFromURL(token)
	if err != nil {
		p.logger.Error("skipping malformed entry", "entry", token, "error", err)
		return false, err
	}

	p.logger.Info("fetching asset", "url", token)
	return p.logOutcome(p.transport.Fetch(ctx, filepath.Join(outputDir, name), token, p.cfg.Credential != ""))
}

// logOutcome writes the log line for a fetch outcome and converts it to the
// error folded into the report.
func (p *Provisioner) logOutcome(out FetchOutcome) (bool, error) {
	switch {
	case out.Skipped:
		p.logger.Info("asset already present", "target", out.Target, "size", humanize.Bytes(uint64(out.Bytes)))
		return true, nil
	case out.Success:
		p.logger.Info("asset fetched", "target", out.Target, "tool", out.ToolUsed, "size", humanize.Bytes(uint64(out.Bytes)))
		return false, nil
	}

	cause := out.Err
	if cause == nil {
		cause = ErrTransferFailed
	}
	err := fmt.Errorf("fetching %s into %s: %w", out.URL, out.Target, cause)
	p.logger.Error("asset failed", "url", out.URL, "target", out.Target, "error", p.redact(cause.Error()))
	return false, err
}
