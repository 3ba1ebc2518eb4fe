// Package provision places large model assets (weights, VAEs, LoRAs, text
// encoders) on the local filesystem before a dependent application starts.
//
// The package serves two primary use cases:
//
//  1. Programmatic API via Provisioner - A startup supervisor can create a
//     Provisioner with NewProvisioner and call Run with a Catalog, a
//     RootContext from DiscoverRoot, and an optional list of extra assets.
//
//  2. Embeddable CLI via NewCommand - Parent CLI tools can attach a complete
//     "provision" command tree to their Cobra root command.
//
// # Catalog
//
// The catalog is a static table of pipe-delimited records:
//
//	ComfyUI/models/vae/ae.safetensors|https://host/ae.safetensors|true
//
// Logical paths starting with the application-tree marker ("ComfyUI/") are
// placed under the discovered application root, or under the output
// directory when no application root exists.
//
// # Presence
//
// A file is present iff it exists and is non-empty. Present targets are never
// fetched again, and a fetch only succeeds when its target is present
// afterwards, whatever the backend reported.
//
// # Transport
//
// Each fetch tries a multi-connection ranged downloader, then a retrying HTTP
// client, then a plain HTTP client, stopping at the first backend that leaves
// the target present.
//
// # Extra assets
//
// Extra entries are either hub identifiers ("owner/name"), downloaded as a
// whole snapshot into OutputDir/owner/name, or direct URLs saved flat into
// OutputDir under their final path segment.
package provision
