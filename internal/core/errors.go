// Package core holds the small sentinel-error taxonomy shared across the
// pipeline (spec.md §7), so call sites can errors.Is-classify a failure
// without a heavyweight error-framework dependency.
package core

import "errors"

var (
	// ErrConfig marks a startup-fatal configuration problem: missing
	// fields, duplicate source names, port 0 for a shred source, an
	// unreachable URL scheme.
	ErrConfig = errors.New("config error")

	// ErrSourceInit marks a per-source-fatal initialization failure:
	// multicast join denied, interface not found, receive-buffer sizing
	// denied, or a baseline dial refused after initial retries. The
	// affected source is disabled; the rest of the system proceeds.
	ErrSourceInit = errors.New("source init error")

	// ErrParse marks a structurally invalid shred datagram: truncated
	// payload, unknown variant, oversized index. Silent; counted under
	// shreds_dropped{reason}.
	ErrParse = errors.New("parse error")

	// ErrNoSource marks that every configured source failed to initialize
	// or run, leaving the pipeline with nothing left to measure (spec.md
	// §6 exit code 3).
	ErrNoSource = errors.New("no source could be initialized")

	// ErrSnapshotLog marks a fatal I/O failure writing the snapshot log
	// (spec.md §6 exit code 4).
	ErrSnapshotLog = errors.New("snapshot log write failed")
)
