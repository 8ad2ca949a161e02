// Package job defines the archive job model and its status state machine.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidJob indicates a malformed submission that must never reach the queue.
var ErrInvalidJob = errors.New("job: invalid job")

// Kind identifies what a job's targets refer to.
type Kind string

const (
	// KindChannel archives every upload of a channel handle.
	KindChannel Kind = "channel"
	// KindShorts archives the Shorts feed of a channel handle.
	KindShorts Kind = "shorts"
	// KindVideo archives one or more individual videos.
	KindVideo Kind = "video"
)

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindChannel, KindShorts, KindVideo:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, s)
}

// Valid reports whether k is a recognized kind.
func (k Kind) Valid() bool {
	_, err := ParseKind(string(k))
	return err == nil
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidTransition enforces the allowed status state machine edges.
// Transitions are monotonic: terminal states have no outgoing edges.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Options holds the per-job download configuration.
type Options struct {
	// OutputDir is the base directory for archived content.
	OutputDir string `json:"output_dir"`

	// Subtitles enables subtitle download and conversion.
	Subtitles bool `json:"subtitles,omitempty"`

	// LogFile overrides the path for this job's captured downloader output.
	LogFile string `json:"log_file,omitempty"`

	// NoClear disables console clearing between downloads.
	NoClear bool `json:"no_clear,omitempty"`

	// NoCache disables the download archive cache, forcing re-download
	// of already archived videos.
	NoCache bool `json:"no_cache,omitempty"`
}

// Progress is a point-in-time view of the running job's current target.
// It is replaced wholesale on each downloader event, never mutated in place.
type Progress struct {
	// TargetIndex is the 1-based index of the target being processed.
	TargetIndex int `json:"target_index"`

	// TargetTotal is the number of targets in the job.
	TargetTotal int `json:"target_total"`

	// Title is the title of the item being downloaded, when known.
	Title string `json:"title,omitempty"`

	// Duration is the item length, when known.
	Duration time.Duration `json:"duration,omitempty"`

	// URL is the canonical URL of the item being downloaded.
	URL string `json:"url,omitempty"`

	// Percent is the download completion of the current item (0-100).
	Percent float64 `json:"percent"`

	// Stage is a short free-form label: "queued", "downloading", "merging", ...
	Stage string `json:"stage"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TargetResult records the outcome of one target within a job.
type TargetResult struct {
	Index      int       `json:"index"` // 1-based position in Targets
	Target     string    `json:"target"`
	Error      string    `json:"error,omitempty"` // empty on success
	FinishedAt time.Time `json:"finished_at"`
}

// Failed reports whether this target ended in error.
func (r TargetResult) Failed() bool { return r.Error != "" }

// Job is one queued unit of work: a download of one or more targets.
//
// The descriptor fields (ID, Kind, Targets, Options, SubmittedAt) are
// immutable after creation. Status, timestamps, Progress and Results are
// mutated only by the queue's worker while holding the queue lock; readers
// must go through snapshots.
type Job struct {
	ID      string   `json:"id"`
	Kind    Kind     `json:"kind"`
	Targets []string `json:"targets"`
	Options Options  `json:"options"`

	Status      Status    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`

	Progress Progress       `json:"progress"`
	Results  []TargetResult `json:"results,omitempty"`

	// Error is the submission- or setup-level failure message, if any.
	// Per-target failures live in Results.
	Error string `json:"error,omitempty"`

	// LogFile is the path to this job's captured downloader output.
	LogFile string `json:"log_file,omitempty"`

	// QueuePosition is the 1-based position among pending jobs. It is set
	// on snapshots only; zero means not pending.
	QueuePosition int `json:"queue_position,omitempty"`
}

// New creates a queued job, assigning it a unique ID.
// It returns ErrInvalidJob for empty targets or an unrecognized kind.
func New(kind Kind, targets []string, opts Options) (*Job, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, kind)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: empty targets", ErrInvalidJob)
	}
	for _, t := range targets {
		if t == "" {
			return nil, fmt.Errorf("%w: empty target", ErrInvalidJob)
		}
	}

	j := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Targets:     append([]string(nil), targets...),
		Options:     opts,
		Status:      StatusQueued,
		SubmittedAt: time.Now(),
		Progress: Progress{
			TargetTotal: len(targets),
			Stage:       "queued",
			UpdatedAt:   time.Now(),
		},
	}
	return j, nil
}

// Snapshot returns a deep copy safe to read while the live job is mutated.
func (j *Job) Snapshot() Job {
	cp := *j
	cp.Targets = append([]string(nil), j.Targets...)
	cp.Results = append([]TargetResult(nil), j.Results...)
	return cp
}

// FailedTargets returns the number of targets that ended in error.
func (j *Job) FailedTargets() int {
	n := 0
	for _, r := range j.Results {
		if r.Failed() {
			n++
		}
	}
	return n
}
