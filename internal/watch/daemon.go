// Package watch polls watched channels for new uploads and turns them into
// archive jobs.
//
// The daemon owns the per-channel watermark discipline: within one poll it
// diffs the channel's current uploads against the stored watermark, enqueues
// everything newer (oldest first, so job order follows publish order), and
// only then advances the watermark once. Enqueue happens before advance, so
// a crash between the two repeats work rather than losing it.
package watch

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"ytarchiver/internal/job"
	"ytarchiver/internal/watchlist"
	"ytarchiver/internal/youtube"
)

const (
	defaultPollInterval = 15 * time.Minute
	defaultBatchSize    = 5
	defaultListingRPS   = 1.0
)

// Scheduler is the slice of the job queue the daemon needs.
type Scheduler interface {
	// Enqueue appends a job and returns its ID.
	Enqueue(j *job.Job) (string, error)

	// ActiveFor reports whether a queued or running job of the given kind
	// already targets handle.
	ActiveFor(kind job.Kind, handle string) bool
}

// Daemon polls the watchlist on a fixed interval.
type Daemon struct {
	store     *watchlist.Store
	lister    youtube.ChannelLister
	scheduler Scheduler

	// Interval between poll cycles. Defaults to 15 minutes.
	Interval time.Duration

	// BatchSize is the maximum number of channels polled per cycle. Large
	// watchlists are covered round-robin across cycles. Defaults to 5.
	BatchSize int

	// Limiter paces listing requests so a big batch cannot hammer the
	// upstream. A nil limiter is replaced by one listing request per second.
	Limiter *rate.Limiter

	// OutputDir is the default archive directory for daemon-created jobs,
	// overridable per watchlist entry.
	OutputDir string

	// LogDir is where daemon-created jobs write their yt-dlp logs.
	// Empty discards job output.
	LogDir string

	cursor int // round-robin position into the sorted watchlist
}

// New creates a daemon with defaults.
func New(store *watchlist.Store, lister youtube.ChannelLister, scheduler Scheduler) *Daemon {
	return &Daemon{
		store:     store,
		lister:    lister,
		scheduler: scheduler,
		Interval:  defaultPollInterval,
		BatchSize: defaultBatchSize,
		Limiter:   rate.NewLimiter(rate.Limit(defaultListingRPS), 1),
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (d *Daemon) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.PollOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce polls the next batch of watched channels. One channel failing to
// list is logged and skipped; it never stops the rest of the batch and never
// moves that channel's watermark.
func (d *Daemon) PollOnce(ctx context.Context) {
	entries := d.store.List()
	if len(entries) == 0 {
		return
	}

	batch := d.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	if batch > len(entries) {
		batch = len(entries)
	}

	for i := 0; i < batch; i++ {
		if ctx.Err() != nil {
			return
		}

		entry := entries[d.cursor%len(entries)]
		d.cursor = (d.cursor + 1) % len(entries)

		if err := d.wait(ctx); err != nil {
			return
		}

		if err := d.pollChannel(ctx, entry); err != nil {
			log.Printf("ytarchiver: watch: poll %s: %v", entry.Handle, err)
		}
	}
}

func (d *Daemon) wait(ctx context.Context) error {
	if d.Limiter == nil {
		return nil
	}
	return d.Limiter.Wait(ctx)
}

// pollChannel lists one channel, enqueues everything newer than the
// watermark and then advances the watermark in a single step.
func (d *Daemon) pollChannel(ctx context.Context, entry watchlist.Entry) error {
	feed := youtube.FeedUploads
	if entry.Mode == watchlist.ModeShorts {
		feed = youtube.FeedShorts
	}

	uploads, err := d.lister.ListUploads(ctx, entry.Handle, feed)
	if err != nil {
		return err
	}

	if err := d.store.Touch(entry.Handle); err != nil {
		log.Printf("ytarchiver: watch: touch %s: %v", entry.Handle, err)
	}

	fresh := newerThanWatermark(uploads, entry)
	if len(fresh) == 0 {
		return nil
	}

	log.Printf("ytarchiver: watch: %s has %d new upload(s)", entry.Handle, len(fresh))

	enqueued, err := d.enqueue(entry, fresh)
	if err != nil {
		return err
	}
	if !enqueued {
		// A job for this channel is already queued or running; it may have
		// started before these uploads appeared, so keep the watermark and
		// retry next cycle.
		return nil
	}

	// Advance once, after every enqueue succeeded. fresh is oldest-first,
	// so the last element is the newest upload of this poll.
	newest := fresh[len(fresh)-1]
	return d.store.Advance(entry.Handle, newest.VideoID, newest.Published)
}

// newerThanWatermark filters uploads to those strictly after the entry's
// watermark and returns them oldest first. An empty watermark means the
// channel was never polled: everything currently listed counts as new.
func newerThanWatermark(uploads []youtube.Upload, entry watchlist.Entry) []youtube.Upload {
	var fresh []youtube.Upload
	for _, u := range uploads {
		if u.VideoID == entry.LastSeenVideoID {
			continue
		}
		if !entry.LastSeenPublished.IsZero() && !u.Published.After(entry.LastSeenPublished) {
			continue
		}
		fresh = append(fresh, u)
	}

	// Listers return newest first; jobs should run in publish order.
	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}
	return fresh
}

// enqueue turns the fresh uploads into jobs according to the entry's mode.
// It reports false when an active job for the channel suppressed the enqueue.
func (d *Daemon) enqueue(entry watchlist.Entry, fresh []youtube.Upload) (bool, error) {
	opts := job.Options{
		OutputDir: entry.OutputDir,
		Subtitles: entry.Subtitles,
	}
	if opts.OutputDir == "" {
		opts.OutputDir = d.OutputDir
	}
	opts.LogFile = d.logFile(entry)

	switch entry.Mode {
	case watchlist.ModeChannel, watchlist.ModeShorts:
		kind := job.KindChannel
		if entry.Mode == watchlist.ModeShorts {
			kind = job.KindShorts
		}
		// One handle job covers all new uploads; skip if one is already
		// queued or running for this channel.
		if d.scheduler.ActiveFor(kind, entry.Handle) {
			return false, nil
		}
		j, err := job.New(kind, []string{entry.Handle}, opts)
		if err != nil {
			return false, err
		}
		_, err = d.scheduler.Enqueue(j)
		return err == nil, err

	default:
		// One job per upload, oldest first, so execution order follows
		// publish order even when other submitters interleave.
		for _, u := range fresh {
			j, err := job.New(job.KindVideo, []string{u.VideoID}, opts)
			if err != nil {
				return false, err
			}
			if _, err := d.scheduler.Enqueue(j); err != nil {
				return false, err
			}
		}
		return true, nil
	}
}

func (d *Daemon) logFile(entry watchlist.Entry) string {
	if d.LogDir == "" {
		return ""
	}
	name := entry.Handle
	if len(name) > 0 && name[0] == '@' {
		name = name[1:]
	}
	return filepath.Join(d.LogDir, name+".log")
}

// IsTransient reports whether a listing error is worth noting as transient
// in status output, as opposed to a misconfigured channel.
func IsTransient(err error) bool {
	return !errors.Is(err, youtube.ErrChannelNotFound) &&
		!errors.Is(err, youtube.ErrInvalidChannel)
}
