package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// DefaultNodeRepos maps workflow cnr_id values to custom node repositories.
// An empty URL marks ids that ship with the application.
var DefaultNodeRepos = map[string]string{
	"comfyui-kjnodes":             "https://github.com/kijai/ComfyUI-KJNodes.git",
	"rgthree-comfy":               "https://github.com/rgthree/rgthree-comfy.git",
	"cg-use-everywhere":           "https://github.com/chrisgoringe/cg-use-everywhere.git",
	"was-node-suite-comfyui":      "https://github.com/WASasquatch/was-node-suite-comfyui.git",
	"comfyui-florence2":           "https://github.com/kijai/ComfyUI-Florence2.git",
	"comfyui-frame-interpolation": "https://github.com/Fannovel16/ComfyUI-Frame-Interpolation.git",
	"comfyui_essentials":          "https://github.com/cubiq/ComfyUI_essentials.git",
	"comfyui-videohelpersuite":    "https://github.com/Kosinkadink/ComfyUI-VideoHelperSuite.git",
	"comfyui-crystools":           "https://github.com/rgthree/comfyui-crystools.git",
	"comfyui_tinyterranodes":      "https://github.com/comfyanonymous/comfyui_tinyterranodes.git",
	"teacache":                    "https://github.com/welltop-cn/ComfyUI-TeaCache.git",
	"crt-nodes":                   "https://github.com/ComfyUI-Community/CRT-Nodes.git",
	"comfyui-chibi-nodes":         "https://github.com/erred-io/ComfyUI-Chibi-Nodes.git",
	"comfyui-gguf":                "https://github.com/erred-io/ComfyUI-GGUF.git",
	"aegisflow_utility_nodes":     "https://github.com/aegisflow/aegisflow_utility_nodes.git",
	"comfy-image-saver":           "https://github.com/rgthree/comfyui-image-saver.git",
	"comfy-core":                  "",
}

// cnrIDPath selects every cnr_id at any depth of a workflow document.
var cnrIDPath = jp.MustParseString("$..cnr_id")

// NodeSyncOptions configures one custom node sync.
type NodeSyncOptions struct {
	// WorkflowsDir holds workflow *.json files scanned for cnr_id values.
	// Optional.
	WorkflowsDir string

	// TargetDir is the custom nodes directory repositories are cloned into.
	TargetDir string

	// ExtraReposFile lists additional repository URLs, one per line.
	// Optional.
	ExtraReposFile string
}

// NodeSyncReport summarises a custom node sync.
type NodeSyncReport struct {
	// Synced counts repositories cloned or already checked out.
	Synced int `json:"synced"`

	// Failed counts repositories that could not be cloned.
	Failed int `json:"failed"`

	// Unmapped lists cnr_id values with no known repository.
	Unmapped []string `json:"unmapped,omitempty"`
}

// NodeSyncer keeps custom node repositories checked out under a directory.
type NodeSyncer struct {
	// repos maps cnr_id values to repository URLs.
	repos map[string]string

	// logger receives diagnostic messages.
	logger Logger

	// syncRepo clones or updates one repository.
	syncRepo func(ctx context.Context, url, dir string) error
}

// NewNodeSyncer creates a NodeSyncer using DefaultNodeRepos.
func NewNodeSyncer(logger Logger) *NodeSyncer {
	if logger == nil {
		logger = nopLogger{}
	}
	s := &NodeSyncer{repos: DefaultNodeRepos, logger: logger}
	s.syncRepo = s.gitSync
	return s
}

// Sync clones missing repositories and updates existing ones. A failing
// repository is counted and logged; the remaining ones are still processed.
// The returned error is non-nil only when the target directory cannot be
// created or the workflows cannot be scanned.
func (s *NodeSyncer) Sync(ctx context.Context, opts NodeSyncOptions) (NodeSyncReport, error) {
	var report NodeSyncReport

	if opts.TargetDir == "" {
		return report, fmt.Errorf("%w: node target directory is not set", ErrStorageError)
	}
	if err := ensureDir(opts.TargetDir); err != nil {
		return report, err
	}

	var urls []string
	if opts.WorkflowsDir != "" {
		ids, err := WorkflowNodeIDs(opts.WorkflowsDir)
		if err != nil {
			return report, err
		}
		s.logger.Info("found node ids in workflows", "count", len(ids), "ids", ids)

		for _, id := range ids {
			url, known := s.repoFor(id)
			switch {
			case !known:
				s.logger.Warn("no repository mapping for node id", "id", id)
				report.Unmapped = append(report.Unmapped, id)
			case url != "":
				urls = append(urls, url)
			}
		}
	}

	if opts.ExtraReposFile != "" {
		extra, err := LoadRepoList(opts.ExtraReposFile)
		if err != nil {
			return report, err
		}
		if len(extra) > 0 {
			s.logger.Info("processing extra repos file", "file", opts.ExtraReposFile, "count", len(extra))
		}
		urls = append(urls, extra...)
	}

	seen := make(map[string]bool, len(urls))
	for _, url := range urls {
		if seen[url] {
			continue
		}
		seen[url] = true

		dir := filepath.Join(opts.TargetDir, repoDirName(url))
		if err := s.syncRepo(ctx, url, dir); err != nil {
			s.logger.Error("node repository sync failed", "url", url, "dir", dir, "error", err)
			report.Failed++
			continue
		}
		report.Synced++
	}

	return report, nil
}

// repoFor returns the repository URL for a cnr_id. known is false when no
// mapping or guess exists. An empty URL with known set marks a built-in id.
func (s *NodeSyncer) repoFor(id string) (url string, known bool) {
	if url, ok := s.repos[id]; ok {
		return url, true
	}
	lower := strings.ToLower(id)
	if url, ok := s.repos[lower]; ok {
		return url, true
	}

	switch {
	case strings.Contains(lower, "rgthree"):
		return s.repos["rgthree-comfy"], true
	case strings.Contains(lower, "crt"):
		return s.repos["crt-nodes"], true
	}
	return "", false
}

// gitSync clones url into dir with depth 1 and submodules, or pulls and
// updates submodules when dir already exists. Only a failed clone is an
// error; update problems on an existing checkout are logged.
func (s *NodeSyncer) gitSync(ctx context.Context, url, dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		s.logger.Info("cloning node repository", "url", url, "dir", dir)
		_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:               url,
			Depth:             1,
			SingleBranch:      true,
			Tags:              git.NoTags,
			RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
		})
		if err != nil {
			os.RemoveAll(dir)
			return fmt.Errorf("cloning %s: %w", url, err)
		}
		return nil
	}

	s.logger.Info("node repository present, updating", "dir", dir)
	repo, err := git.PlainOpen(dir)
	if err != nil {
		s.logger.Warn("not a git repository, leaving as is", "dir", dir, "error", err)
		return nil
	}
	wt, err := repo.Worktree()
	if err != nil {
		s.logger.Warn("opening worktree failed", "dir", dir, "error", err)
		return nil
	}

	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:        git.DefaultRemoteName,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		s.logger.Warn("pull failed", "dir", dir, "error", err)
	}

	subs, err := wt.Submodules()
	if err != nil {
		s.logger.Warn("listing submodules failed", "dir", dir, "error", err)
		return nil
	}
	if err := subs.UpdateContext(ctx, &git.SubmoduleUpdateOptions{
		Init:              true,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	}); err != nil {
		s.logger.Warn("submodule update failed", "dir", dir, "error", err)
	}
	return nil
}

// WorkflowNodeIDs returns the sorted, distinct cnr_id values found in the
// *.json files of dir. Files that fail to parse are skipped. A missing dir
// yields no ids.
func WorkflowNodeIDs(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}

	set := make(map[string]struct{})
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		doc, err := oj.ParseString(string(data))
		if err != nil {
			continue
		}
		for _, v := range cnrIDPath.Get(doc) {
			if id, ok := v.(string); ok && id != "" {
				set[id] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadRepoList reads repository URLs, one per line. Blank lines and "#"
// comments are skipped. A missing file yields an empty list.
func LoadRepoList(filename string) ([]string, error) {
	data, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading repo list: %w", err)
	}

	var repos []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		repos = append(repos, line)
	}
	return repos, nil
}

// repoDirName derives the checkout directory name from a repository URL.
func repoDirName(url string) string {
	return strings.TrimSuffix(path.Base(strings.TrimRight(url, "/")), ".git")
}
