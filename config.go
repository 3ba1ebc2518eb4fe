package provision

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Credential environment variables, in lookup order.
var credentialEnvVars = []string{"HF_TOKEN", "HUGGING_FACE_HUB_TOKEN"}

// Settings holds every user-facing knob of a provisioning run.
// Values are layered: config file, then environment, then command-line flags.
type Settings struct {
	// OutputDir is the fallback root and the destination of extra entries.
	OutputDir string `json:"outputDir,omitempty"`

	// AppRoot overrides application root discovery.
	AppRoot string `json:"appRoot,omitempty"`

	// AppRootCandidates replaces the built-in discovery candidates.
	AppRootCandidates []string `json:"appRootCandidates,omitempty"`

	// AppMarker replaces the application-tree marker.
	AppMarker string `json:"appMarker,omitempty"`

	// Catalog is a catalog file replacing the built-in catalog.
	Catalog string `json:"catalog,omitempty"`

	// ExtraAssets is an inline, delimited list of hub identifiers and URLs.
	ExtraAssets string `json:"extraAssets,omitempty"`

	// ExtraAssetsFile is a file with one hub identifier or URL per line.
	ExtraAssetsFile string `json:"extraAssetsFile,omitempty"`

	// HubEndpoint is the content hub base URL.
	HubEndpoint string `json:"hubEndpoint,omitempty"`

	// HubRevision is the snapshot revision fetched for hub identifiers.
	HubRevision string `json:"hubRevision,omitempty"`

	// Tools is a comma-separated backend list, see ParseTools.
	Tools string `json:"tools,omitempty"`

	// Connections is the multi-connection downloader split count.
	Connections int `json:"connections,omitempty"`

	// Lock serialises runs sharing the output directory.
	Lock bool `json:"lock,omitempty"`

	// LogFile receives a copy of the log stream.
	LogFile string `json:"logFile,omitempty"`

	// Credential is the bearer token. It is never read from the config file.
	Credential string `json:"-"`
}

// LoadSettingsFile reads YAML (or JSON) settings from path.
func LoadSettingsFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("reading config: %w", err)
	}

	var s Settings
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return Settings{}, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}
	return s, nil
}

// ApplyEnv overrides s with the environment variables of appName.
// Example for appName "xprim": XPRIM_OUTPUT_DIR, XPRIM_APP_ROOT,
// XPRIM_CATALOG, XPRIM_EXTRA_ASSETS, XPRIM_EXTRA_ASSETS_FILE. The credential
// comes from HF_TOKEN or HUGGING_FACE_HUB_TOKEN and the hub endpoint from
// HF_ENDPOINT.
func (s *Settings) ApplyEnv(appName string) {
	setFromEnv(&s.OutputDir, envVarName(appName, "OUTPUT_DIR"))
	setFromEnv(&s.AppRoot, envVarName(appName, "APP_ROOT"))
	setFromEnv(&s.Catalog, envVarName(appName, "CATALOG"))
	setFromEnv(&s.ExtraAssets, envVarName(appName, "EXTRA_ASSETS"))
	setFromEnv(&s.ExtraAssetsFile, envVarName(appName, "EXTRA_ASSETS_FILE"))
	setFromEnv(&s.HubEndpoint, "HF_ENDPOINT")

	for _, name := range credentialEnvVars {
		if v := os.Getenv(name); v != "" {
			s.Credential = v
			break
		}
	}
}

func setFromEnv(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

// Config folds s into base and fills in defaults.
func (s Settings) Config(base Config) (Config, error) {
	cfg := base

	if s.OutputDir != "" {
		cfg.OutputDir = s.OutputDir
	}
	if s.AppRoot != "" {
		cfg.AppRoot = s.AppRoot
	}
	if len(s.AppRootCandidates) > 0 {
		cfg.AppRootCandidates = s.AppRootCandidates
	}
	if s.AppMarker != "" {
		cfg.AppMarker = s.AppMarker
	}
	if s.HubEndpoint != "" {
		cfg.HubEndpoint = s.HubEndpoint
	}
	if s.HubRevision != "" {
		cfg.HubRevision = s.HubRevision
	}
	if s.Credential != "" {
		cfg.Credential = s.Credential
	}
	if s.Connections != 0 {
		cfg.Connections = s.Connections
	}
	if s.Tools != "" {
		tools, err := ParseTools(s.Tools)
		if err != nil {
			return Config{}, err
		}
		cfg.Tools = tools
	}

	return cfg.withDefaults()
}

// withDefaults fills empty fields with their defaults.
func (c Config) withDefaults() (Config, error) {
	if c.AppName == "" {
		return Config{}, fmt.Errorf("%w: AppName is required", ErrInvalidConfig)
	}

	outputDir, err := defaultOutputDir(c.AppName, c.OutputDir)
	if err != nil {
		return Config{}, err
	}
	c.OutputDir = outputDir

	if c.AppRootCandidates == nil {
		c.AppRootCandidates = DefaultAppRootCandidates
	}
	if c.AppMarker == "" {
		c.AppMarker = DefaultAppMarker
	}
	if c.HubEndpoint == "" {
		c.HubEndpoint = DefaultHubEndpoint
	}
	if c.HubRevision == "" {
		c.HubRevision = DefaultHubRevision
	}
	if len(c.Tools) == 0 {
		c.Tools = DefaultTools
	}
	if c.Connections == 0 {
		c.Connections = DefaultConnections
	}
	if c.Connections < 1 || c.Connections > MaxConnections {
		return Config{}, fmt.Errorf("%w: connections must be between 1 and %d, got %d", ErrInvalidConfig, MaxConnections, c.Connections)
	}
	return c, nil
}

// DiscoverRoot probes the configured candidates for the application root.
func (c Config) DiscoverRoot() RootContext {
	candidates := c.AppRootCandidates
	if candidates == nil {
		candidates = DefaultAppRootCandidates
	}
	return DiscoverRoot(candidates, c.AppRoot, c.OutputDir)
}
