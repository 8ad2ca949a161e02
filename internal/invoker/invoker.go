// Package invoker defines the boundary to the external downloading tool.
//
// The queue's worker depends only on the Invoker contract: one call per
// target, a stream of progress events, and a terminal error per target.
// How downloading actually happens is this package's concern alone.
package invoker

import (
	"context"
	"errors"
	"time"

	"ytarchiver/internal/job"
)

// Sentinel errors for download invocation.
var (
	ErrYtdlpNotInstalled = errors.New("invoker: yt-dlp not installed")
	ErrDownloadFailed    = errors.New("invoker: download failed")
)

// Event is one progress report for the target currently downloading.
type Event struct {
	// Title of the item, when the downloader has reported it.
	Title string

	// Duration of the item, when known.
	Duration time.Duration

	// URL is the canonical URL of the item.
	URL string

	// Percent is download completion of the current item (0-100).
	Percent float64

	// Stage is a short label: "downloading", "merging", "completed", ...
	Stage string
}

// Sink receives progress events. Implementations must be cheap; the
// invoker calls them synchronously from the download loop.
type Sink func(Event)

// Invoker executes the download of a single target.
type Invoker interface {
	// Download archives one target. kind determines how the target
	// identifier is interpreted (channel handle, shorts handle, video ID).
	// Progress events are delivered to sink until Download returns.
	// A non-nil error marks the target failed; the job continues with
	// its remaining targets.
	Download(ctx context.Context, kind job.Kind, target string, opts job.Options, sink Sink) error
}

// TargetError wraps a per-target failure with its position in the job.
type TargetError struct {
	Index  int    // 1-based target index
	Target string // target identifier
	Err    error
}

func (e *TargetError) Error() string {
	return "invoker: target " + e.Target + ": " + e.Err.Error()
}

func (e *TargetError) Unwrap() error { return e.Err }
