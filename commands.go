package provision

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewCommand creates a Cobra command tree for asset provisioning.
// The returned command can run standalone or be added to a parent CLI.
//
// Commands provided:
//   - provision run [entry...] [--extra ...] [--extra-file ...] [--progress]
//   - provision catalog
//   - provision resolve <logical-path>...
//   - provision nodes [--workflows dir] [--target dir] [--extra-repos-file file]
//
// Global flags: --json, --quiet, --verbose, --config, --log-file
func NewCommand(cfg Config, opts ...Option) *cobra.Command {
	env := &cliEnv{base: cfg, opts: opts}

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision model assets",
		Long:  "Fetch the asset catalog and user-supplied models into the application tree or the output directory.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip setup for help commands
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			return env.setup(cmd.Flags().Changed)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if env.sync != nil {
				// Syncing stderr fails on some terminals; nothing to report.
				_ = env.sync()
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVar(&env.jsonOutput, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVarP(&env.quiet, "quiet", "q", false, "Suppress non-essential output")
	cmd.PersistentFlags().BoolVarP(&env.verbose, "verbose", "v", false, "Verbose output")
	cmd.PersistentFlags().StringVar(&env.configFile, "config", "", "YAML settings file")
	cmd.PersistentFlags().StringVar(&env.flags.LogFile, "log-file", "", "Append log output to this file")
	cmd.PersistentFlags().StringVar(&env.flags.OutputDir, "output-dir", "", "Output directory for fallback and extra assets")
	cmd.PersistentFlags().StringVar(&env.flags.AppRoot, "app-root", "", "Application root, probed before the built-in candidates")
	cmd.PersistentFlags().StringVar(&env.flags.Catalog, "catalog", "", "Catalog file replacing the built-in catalog")

	cmd.AddCommand(runCmd(env))
	cmd.AddCommand(catalogCmd(env))
	cmd.AddCommand(resolveCmd(env))
	cmd.AddCommand(nodesCmd(env))

	return cmd
}

// cliEnv is the state shared by the subcommands of NewCommand.
type cliEnv struct {
	base Config
	opts []Option

	jsonOutput bool
	quiet      bool
	verbose    bool
	configFile string

	// flags receives flag values; only changed flags are applied.
	flags Settings

	// settings and cfg are the effective values after setup.
	settings Settings
	cfg      Config

	logger Logger
	sync   func() error
}

// setup layers settings from the config file, the environment and the
// changed flags, then builds the logger and the effective Config.
func (e *cliEnv) setup(changed func(name string) bool) error {
	var s Settings
	if e.configFile != "" {
		var err error
		s, err = LoadSettingsFile(e.configFile)
		if err != nil {
			return err
		}
	}
	s.ApplyEnv(e.base.AppName)
	s.applyFlags(changed, e.flags)
	e.settings = s

	e.logger = newOptions(e.opts...).logger
	if _, ok := e.logger.(nopLogger); ok {
		logger, sync, err := NewZapLogger(logLevel(e.quiet, e.verbose), s.LogFile)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		e.logger, e.sync = logger, sync
	}

	cfg, err := s.Config(e.base)
	if err != nil {
		return err
	}
	e.cfg = cfg
	return nil
}

// catalog returns the configured catalog file, or the built-in catalog.
func (e *cliEnv) catalog() (Catalog, error) {
	if e.settings.Catalog == "" {
		return DefaultCatalog(), nil
	}
	return LoadCatalogFile(e.settings.Catalog)
}

// applyFlags copies the flag values whose flags were set on the command line.
func (s *Settings) applyFlags(changed func(name string) bool, f Settings) {
	if changed("output-dir") {
		s.OutputDir = f.OutputDir
	}
	if changed("app-root") {
		s.AppRoot = f.AppRoot
	}
	if changed("catalog") {
		s.Catalog = f.Catalog
	}
	if changed("extra") {
		s.ExtraAssets = f.ExtraAssets
	}
	if changed("extra-file") {
		s.ExtraAssetsFile = f.ExtraAssetsFile
	}
	if changed("hub-endpoint") {
		s.HubEndpoint = f.HubEndpoint
	}
	if changed("hub-revision") {
		s.HubRevision = f.HubRevision
	}
	if changed("tools") {
		s.Tools = f.Tools
	}
	if changed("connections") {
		s.Connections = f.Connections
	}
	if changed("lock") {
		s.Lock = f.Lock
	}
	if changed("log-file") {
		s.LogFile = f.LogFile
	}
}

func runCmd(env *cliEnv) *cobra.Command {
	var progress bool

	cmd := &cobra.Command{
		Use:   "run [entry...]",
		Short: "Provision the catalog and extra assets",
		Long: "Fetch every catalog asset, then every extra entry. Extra entries are hub identifiers " +
			"(owner/name) or direct URLs, given as arguments, with --extra, or in --extra-file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			catalog, err := env.catalog()
			if err != nil {
				return err
			}

			extra := append([]string{env.settings.ExtraAssets}, args...)
			if env.settings.ExtraAssetsFile != "" {
				fromFile, err := LoadUserListFile(env.settings.ExtraAssetsFile)
				if err != nil {
					return err
				}
				extra = append(extra, fromFile...)
			}

			opts := append([]Option{}, env.opts...)
			opts = append(opts, WithLogger(env.logger))
			if env.settings.Lock {
				opts = append(opts, WithRunLock(DefaultLockTimeout))
			}
			var bar *progressPrinter
			if progress && !env.quiet && !env.jsonOutput {
				bar = &progressPrinter{w: cmd.ErrOrStderr()}
				opts = append(opts, WithProgress(bar.update))
			}

			p, err := NewProvisioner(env.cfg, opts...)
			if err != nil {
				return fmt.Errorf("failed to initialize provisioner: %w", err)
			}

			rc := env.cfg.DiscoverRoot()
			report, err := p.Run(ctx, catalog, rc, extra)
			if bar != nil {
				bar.finish()
			}
			if err != nil {
				return err
			}

			if env.jsonOutput {
				if err := outputReport(cmd.OutOrStdout(), rc, report); err != nil {
					return err
				}
			} else if !env.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Provisioned %d assets: %d fetched, %d already present, %d failed\n",
					report.Attempted, report.Attempted-report.Skipped-report.Failed, report.Skipped, report.Failed)
			}
			return report.Err()
		},
	}

	cmd.Flags().StringVar(&env.flags.ExtraAssets, "extra", "", "Delimited list of hub identifiers and URLs")
	cmd.Flags().StringVar(&env.flags.ExtraAssetsFile, "extra-file", "", "File with one hub identifier or URL per line")
	cmd.Flags().StringVar(&env.flags.HubEndpoint, "hub-endpoint", "", "Content hub base URL")
	cmd.Flags().StringVar(&env.flags.HubRevision, "hub-revision", "", "Snapshot revision for hub identifiers")
	cmd.Flags().StringVar(&env.flags.Tools, "tools", "", "Comma-separated backends in priority order (parallel,retry,plain)")
	cmd.Flags().IntVar(&env.flags.Connections, "connections", 0, "Connections per file for the parallel downloader")
	cmd.Flags().BoolVar(&env.flags.Lock, "lock", false, "Wait for other runs sharing the output directory")
	cmd.Flags().BoolVar(&progress, "progress", false, "Show a progress bar for each transfer")
	return cmd
}

func catalogCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List catalog assets",
		Long:  "List the catalog entries with their resolved targets and whether they are present.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := env.catalog()
			if err != nil {
				return err
			}
			for _, err := range catalog.Malformed {
				env.logger.Warn("skipping malformed catalog record", "error", err)
			}

			rc := env.cfg.DiscoverRoot()
			entries := make([]catalogEntry, 0, len(catalog.Entries))
			for _, spec := range catalog.Entries {
				target := Resolve(spec.LogicalPath, rc, env.cfg.AppMarker)
				entries = append(entries, catalogEntry{
					AssetSpec: spec,
					Target:    target,
					Present:   isPresent(target),
					Size:      fileSize(target),
				})
			}
			return outputCatalog(cmd.OutOrStdout(), entries, env.jsonOutput)
		},
	}
}

func resolveCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <logical-path>...",
		Short: "Print resolved target paths",
		Long:  "Print the absolute target path each logical path resolves to on this machine.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc := env.cfg.DiscoverRoot()

			if env.jsonOutput {
				type resolved struct {
					LogicalPath string `json:"logical_path"`
					Target      string `json:"target"`
				}
				out := make([]resolved, 0, len(args))
				for _, p := range args {
					out = append(out, resolved{LogicalPath: p, Target: Resolve(p, rc, env.cfg.AppMarker)})
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			for _, p := range args {
				fmt.Fprintln(cmd.OutOrStdout(), Resolve(p, rc, env.cfg.AppMarker))
			}
			return nil
		},
	}
}

func nodesCmd(env *cliEnv) *cobra.Command {
	var opts NodeSyncOptions

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Sync custom node repositories",
		Long: "Clone or update the custom node repositories referenced by workflow files " +
			"and listed in an extra repos file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.TargetDir == "" {
				rc := env.cfg.DiscoverRoot()
				if !rc.HasApplicationRoot() {
					return fmt.Errorf("%w: no application root found, --target is required", ErrInvalidConfig)
				}
				opts.TargetDir = filepath.Join(rc.ApplicationRoot, "custom_nodes")
			}

			report, err := NewNodeSyncer(env.logger).Sync(cmd.Context(), opts)
			if err != nil {
				return err
			}

			if env.jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else if !env.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Synced %d repositories, %d failed\n", report.Synced, report.Failed)
				if len(report.Unmapped) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No repository mapping for: %s\n", strings.Join(report.Unmapped, ", "))
				}
			}

			if report.Failed > 0 {
				return fmt.Errorf("%d node repositories failed to sync", report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.WorkflowsDir, "workflows", "", "Directory of workflow JSON files to scan for node ids")
	cmd.Flags().StringVar(&opts.TargetDir, "target", "", "Custom nodes directory (default <application root>/custom_nodes)")
	cmd.Flags().StringVar(&opts.ExtraReposFile, "extra-repos-file", "", "File with one repository URL per line")
	return cmd
}

// Output helpers

// catalogEntry is one row of the catalog listing.
type catalogEntry struct {
	AssetSpec
	Target  string `json:"target"`
	Present bool   `json:"present"`
	Size    int64  `json:"size"`
}

func outputCatalog(w io.Writer, entries []catalogEntry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "Catalog is empty")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ASSET\tAUTH\tPRESENT\tTARGET")
	for _, e := range entries {
		present := "no"
		if e.Present {
			present = humanize.Bytes(uint64(e.Size))
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n",
			filepath.Base(e.LogicalPath),
			e.RequiresAuth,
			present,
			e.Target,
		)
	}
	return tw.Flush()
}

func outputReport(w io.Writer, rc RootContext, report ProvisioningReport) error {
	out := struct {
		Root   RootContext        `json:"root"`
		Report ProvisioningReport `json:"report"`
		Errors []string           `json:"errors,omitempty"`
	}{Root: rc, Report: report}
	for _, err := range report.Errors() {
		out.Errors = append(out.Errors, err.Error())
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// progressPrinter renders one progress bar per transfer. The parallel
// downloader reports from several goroutines, so updates are serialised.
type progressPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	target string
	start  time.Time
	last   time.Time
}

func (p *progressPrinter) update(fp FetchProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fp.Target != p.target {
		if p.target != "" {
			fmt.Fprint(p.w, "\n")
		}
		p.target = fp.Target
		p.start = time.Now()
		fmt.Fprintf(p.w, "%s (%s)\n", filepath.Base(fp.Target), fp.Tool)
	}

	// Throttle redraws, but always draw completion.
	now := time.Now()
	if fp.BytesCompleted != fp.BytesTotal && now.Sub(p.last) < 200*time.Millisecond {
		return
	}
	p.last = now
	renderProgress(p.w, fp.BytesCompleted, fp.BytesTotal, p.start)
}

func (p *progressPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.target != "" {
		fmt.Fprint(p.w, "\n")
		p.target = ""
	}
}

// renderProgress renders the progress bar to the writer.
// Format: Downloading [============>                 ] 45% 1.2 GB (5.2 MB/s, elapsed: 30s, remaining: 2m 15s)
// An unknown total (-1) renders the byte count and speed only.
func renderProgress(w io.Writer, current, total int64, startTime time.Time) {
	elapsed := time.Since(startTime)

	var speed float64
	if elapsed.Seconds() > 0 && current > 0 {
		speed = float64(current) / elapsed.Seconds()
	}

	if total <= 0 {
		fmt.Fprintf(w, "\r\x1b[KDownloading %s (%s, elapsed: %s)",
			humanize.Bytes(uint64(current)), formatSpeed(speed), formatDuration(elapsed))
		return
	}

	pct := float64(current) / float64(total) * 100

	var remaining time.Duration
	if speed > 0 && current < total {
		remaining = time.Duration(float64(total-current)/speed) * time.Second
	}

	const barWidth = 30
	filled := int(pct / 100 * float64(barWidth))
	if filled > barWidth {
		filled = barWidth
	}

	var bar string
	if filled >= barWidth {
		bar = strings.Repeat("=", barWidth)
	} else if filled > 0 {
		bar = strings.Repeat("=", filled) + ">" + strings.Repeat(" ", barWidth-filled-1)
	} else {
		bar = ">" + strings.Repeat(" ", barWidth-1)
	}

	// \r overwrites the line, \x1b[K clears to its end
	fmt.Fprintf(w, "\r\x1b[KDownloading [%s] %.0f%% %s (%s, elapsed: %s, remaining: %s)",
		bar, pct, humanize.Bytes(uint64(total)), formatSpeed(speed), formatDuration(elapsed), formatDuration(remaining))
}

// formatSpeed formats bytes per second, e.g. "5.2 MB/s".
func formatSpeed(bytesPerSec float64) string {
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}

// formatDuration formats a duration as human-readable text (e.g., "5s", "2m 30s", "1h 5m").
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)

	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		if mins > 0 {
			return fmt.Sprintf("%dh %dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	if mins > 0 {
		if secs > 0 {
			return fmt.Sprintf("%dm %ds", mins, secs)
		}
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%ds", secs)
}
