// Command xprim-provision fetches the model assets a ComfyUI deployment
// needs, then any extra hub snapshots or URLs supplied by the user.
//
// Configuration is loaded from flags, environment variables and an optional
// YAML file:
//   - XPRIM_OUTPUT_DIR: Output directory for fallback and extra assets
//   - XPRIM_EXTRA_ASSETS / XPRIM_EXTRA_ASSETS_FILE: Extra entries
//   - HF_TOKEN: Bearer token for gated assets and the hub
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	provision "github.com/prethora/xprim-provision"
)

// CLI exit codes for standardized error reporting.
const (
	// ExitSuccess indicates every asset is present.
	ExitSuccess = 0

	// ExitGeneralError indicates an unspecified error, including failed
	// extra entries.
	ExitGeneralError = 1

	// ExitInvalidArgs indicates invalid command line arguments or settings.
	ExitInvalidArgs = 2

	// ExitCatalogFailed indicates catalog assets failed and no extra
	// entries were requested.
	ExitCatalogFailed = 3

	// ExitStorageError indicates a filesystem operation failed.
	ExitStorageError = 7
)

func main() {
	cfg := provision.Config{
		AppName: "xprim",
		// OutputDir can be set via XPRIM_OUTPUT_DIR (handled by the settings layer)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd := provision.NewCommand(cfg)
	err := cmd.ExecuteContext(ctx)
	stop()
	os.Exit(exitCodeFromError(err))
}

// exitCodeFromError maps error types to exit codes.
func exitCodeFromError(err error) int {
	if err == nil {
		return ExitSuccess
	}

	switch {
	case errors.Is(err, provision.ErrCatalogFailed):
		return ExitCatalogFailed
	case errors.Is(err, provision.ErrStorageError):
		return ExitStorageError
	case errors.Is(err, provision.ErrInvalidIdentifier):
		return ExitInvalidArgs
	case errors.Is(err, provision.ErrInvalidConfig):
		return ExitInvalidArgs
	default:
		return ExitGeneralError
	}
}
