package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// snapshotInfo is the hub's description of one repository revision,
// served at /api/models/<owner>/<name>/revision/<revision>.
type snapshotInfo struct {
	// ID is the canonical "owner/name" identifier.
	ID string `json:"id"`

	// SHA is the commit the revision resolved to.
	SHA string `json:"sha"`

	// Siblings lists every file in the snapshot.
	Siblings []snapshotFile `json:"siblings"`
}

// snapshotFile is one entry of snapshotInfo.Siblings.
type snapshotFile struct {
	// RFilename is the slash-separated path within the repository.
	RFilename string `json:"rfilename"`
}

// snapshotRecord is written next to a completed snapshot.
type snapshotRecord struct {
	Identifier string    `json:"identifier"`
	Revision   string    `json:"revision"`
	SHA        string    `json:"sha"`
	Files      []string  `json:"files"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// fetcher is the part of Transport used by the hub client and the
// orchestrator.
type fetcher interface {
	Fetch(ctx context.Context, target, url string, requiresAuth bool) FetchOutcome
}

// hubClient resolves "owner/name" identifiers to complete snapshots.
type hubClient struct {
	// endpoint is the hub base URL without trailing slash.
	endpoint string

	// revision is the branch, tag or commit fetched.
	revision string

	// credential is sent as a bearer token when non-empty.
	credential string

	// appName names the metadata directory inside each snapshot.
	appName string

	// httpClient is used for API requests.
	httpClient HTTPClient

	// transport downloads individual snapshot files.
	transport fetcher

	// logger receives diagnostic messages.
	logger Logger
}

// newHubClient creates a hub client.
// The endpoint is normalized by removing any trailing slashes.
func newHubClient(cfg Config, client HTTPClient, transport fetcher, logger Logger) *hubClient {
	endpoint := cfg.HubEndpoint
	if endpoint == "" {
		endpoint = DefaultHubEndpoint
	}
	revision := cfg.HubRevision
	if revision == "" {
		revision = DefaultHubRevision
	}
	return &hubClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		revision:   revision,
		credential: cfg.Credential,
		appName:    cfg.AppName,
		httpClient: client,
		transport:  transport,
		logger:     logger,
	}
}

// snapshotDir returns the namespaced directory for a snapshot.
func snapshotDir(outputDir, owner, name string) string {
	return filepath.Join(outputDir, owner, name)
}

// fetchSnapshotInfo fetches the file listing for owner/name at the
// configured revision.
func (h *hubClient) fetchSnapshotInfo(ctx context.Context, owner, name string) (snapshotInfo, error) {
	apiURL := fmt.Sprintf("%s/api/models/%s/%s/revision/%s",
		h.endpoint, url.PathEscape(owner), url.PathEscape(name), url.PathEscape(h.revision))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return snapshotInfo{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.credential != "" {
		req.Header.Set("Authorization", "Bearer "+h.credential)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return snapshotInfo{}, fmt.Errorf("fetching snapshot info %s/%s: %w: %v", owner, name, ErrNetworkError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if err := checkStatus(resp); err != nil {
			return snapshotInfo{}, fmt.Errorf("snapshot info %s/%s: %w", owner, name, err)
		}
		return snapshotInfo{}, fmt.Errorf("fetching snapshot info %s/%s: status %d: %w", owner, name, resp.StatusCode, ErrHubError)
	}

	var info snapshotInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return snapshotInfo{}, fmt.Errorf("parsing snapshot info %s/%s: %w", owner, name, ErrHubError)
	}

	return info, nil
}

// fileURL returns the download URL of one snapshot file.
func (h *hubClient) fileURL(owner, name, rfilename string) string {
	segments := strings.Split(rfilename, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/%s/%s/resolve/%s/%s",
		h.endpoint, url.PathEscape(owner), url.PathEscape(name), url.PathEscape(h.revision), strings.Join(segments, "/"))
}

// FetchHubAsset downloads the complete snapshot of identifier into
// outputDir/owner/name. Files already present are not downloaded again.
// The returned error is nil only when every file of the snapshot is present.
func (h *hubClient) FetchHubAsset(ctx context.Context, identifier, outputDir string) error {
	owner, name, err := ParseHubIdentifier(identifier)
	if err != nil {
		return err
	}

	info, err := h.fetchSnapshotInfo(ctx, owner, name)
	if err != nil {
		return err
	}
	if len(info.Siblings) == 0 {
		return fmt.Errorf("snapshot %s has no files: %w", identifier, ErrHubError)
	}

	dir := snapshotDir(outputDir, owner, name)
	var result *multierror.Error
	files := make([]string, 0, len(info.Siblings))
	for _, f := range info.Siblings {
		rel := filepath.FromSlash(f.RFilename)
		if !filepath.IsLocal(rel) {
			result = multierror.Append(result, fmt.Errorf("%w: snapshot file %q escapes %s", ErrHubError, f.RFilename, dir))
			continue
		}

		out := h.transport.Fetch(ctx, filepath.Join(dir, rel), h.fileURL(owner, name, f.RFilename), h.credential != "")
		if !out.Success {
			result = multierror.Append(result, out.Err)
			continue
		}
		h.logger.Debug("snapshot file present", "identifier", identifier, "file", f.RFilename, "skipped", out.Skipped)
		files = append(files, f.RFilename)
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("snapshot %s: %d of %d files failed: %w", identifier, len(result.Errors), len(info.Siblings), err)
	}

	record := snapshotRecord{
		Identifier: identifier,
		Revision:   h.revision,
		SHA:        info.SHA,
		Files:      files,
		FetchedAt:  time.Now().UTC(),
	}
	if err := writeJSON(filepath.Join(dir, metaDirName(h.appName), "snapshot.json"), record); err != nil {
		h.logger.Warn("failed to save snapshot record", "identifier", identifier, "error", err)
	}

	return nil
}
