package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"ytarchiver/internal/retry"
)

const (
	defaultYtdlpPath    = "yt-dlp"
	defaultYtdlpTimeout = 10 * time.Minute
)

// YtdlpLister implements ChannelLister using yt-dlp as a subprocess.
// It accepts handles, channel IDs and channel URLs, and it is the only
// lister that can list a channel's Shorts feed separately.
type YtdlpLister struct {
	// Path is the path to the yt-dlp executable. Defaults to "yt-dlp".
	Path string

	// Timeout is the maximum time to wait for yt-dlp. Defaults to 10 minutes.
	Timeout time.Duration

	// PlaylistEnd limits the listing to the N most recent uploads. Zero
	// lists the whole feed, which can take minutes on large channels.
	PlaylistEnd int

	// ExtraArgs are additional arguments to pass to yt-dlp.
	ExtraArgs []string

	// RetryConfig holds retry behavior configuration.
	RetryConfig *retry.Config
}

// NewYtdlpLister creates a new yt-dlp based channel lister.
func NewYtdlpLister() *YtdlpLister {
	cfg := retry.DefaultConfig()
	return &YtdlpLister{
		Path:        defaultYtdlpPath,
		Timeout:     defaultYtdlpTimeout,
		PlaylistEnd: 30,
		RetryConfig: &cfg,
	}
}

// ListUploads fetches the channel's uploads via yt-dlp's flat playlist mode.
func (y *YtdlpLister) ListUploads(ctx context.Context, channel string, feed Feed) ([]Upload, error) {
	if err := y.checkInstalled(ctx); err != nil {
		return nil, err
	}

	var uploads []Upload
	cfg := y.RetryConfig
	if cfg == nil {
		defaultCfg := retry.DefaultConfig()
		cfg = &defaultCfg
	}

	err := retry.Do(ctx, *cfg, ytdlpErrorClassifier, func(ctx context.Context) error {
		url := channelFeedURL(channel, feed)

		args := []string{
			"--flat-playlist",
			"-J", // JSON output
			"--no-warnings",
		}
		if y.PlaylistEnd > 0 {
			args = append(args, "--playlist-end", fmt.Sprint(y.PlaylistEnd))
		}
		args = append(args, y.ExtraArgs...)
		args = append(args, url)

		timeout := y.Timeout
		if timeout == 0 {
			timeout = defaultYtdlpTimeout
		}
		cmdCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(cmdCtx, y.path(), args...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		if err != nil {
			if cmdCtx.Err() == context.DeadlineExceeded {
				return &ListerError{Source: "ytdlp", Channel: channel, Err: ErrNetworkTimeout}
			}
			if cmdCtx.Err() == context.Canceled {
				return &ListerError{Source: "ytdlp", Channel: channel, Err: context.Canceled}
			}

			// Classify by stderr patterns.
			errMsg := stderr.String()
			if strings.Contains(errMsg, "not found") || strings.Contains(errMsg, "does not exist") {
				return &ListerError{Source: "ytdlp", Channel: channel, Err: ErrChannelNotFound}
			}
			if strings.Contains(errMsg, "rate") || strings.Contains(errMsg, "429") {
				return &ListerError{Source: "ytdlp", Channel: channel, Err: ErrRateLimited}
			}

			return &ListerError{Source: "ytdlp", Channel: channel,
				Err: fmt.Errorf("yt-dlp failed: %w: %s", err, errMsg)}
		}

		parsed, parseErr := parseYtdlpListing(stdout.Bytes())
		if parseErr != nil {
			return &ListerError{Source: "ytdlp", Channel: channel, Err: parseErr}
		}
		uploads = parsed
		return nil
	})

	if err != nil {
		return nil, err
	}

	sortNewestFirst(uploads)
	return uploads, nil
}

// checkInstalled verifies that yt-dlp is available.
func (y *YtdlpLister) checkInstalled(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, y.path(), "--version")
	if err := cmd.Run(); err != nil {
		return &ListerError{Source: "ytdlp", Channel: "", Err: ErrYtdlpNotInstalled}
	}
	return nil
}

func (y *YtdlpLister) path() string {
	if y.Path != "" {
		return y.Path
	}
	return defaultYtdlpPath
}

// ytdlpPlaylist represents yt-dlp's JSON output for a channel feed.
type ytdlpPlaylist struct {
	ID       string       `json:"id"`
	Title    string       `json:"title"`
	Uploader string       `json:"uploader"`
	Entries  []ytdlpEntry `json:"entries"`
}

// ytdlpEntry represents a single video in yt-dlp's JSON output.
type ytdlpEntry struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"`    // seconds
	Uploader   string  `json:"uploader"`
	UploadDate string  `json:"upload_date"` // YYYYMMDD format
	Timestamp  int64   `json:"timestamp"`   // Unix timestamp
}

// parseYtdlpListing parses yt-dlp's JSON output into Uploads.
func parseYtdlpListing(data []byte) ([]Upload, error) {
	var playlist ytdlpPlaylist
	if err := json.Unmarshal(data, &playlist); err != nil {
		return nil, fmt.Errorf("parse yt-dlp output: %w", err)
	}

	uploads := make([]Upload, 0, len(playlist.Entries))
	for _, entry := range playlist.Entries {
		name := entry.Uploader
		if name == "" {
			name = playlist.Uploader
		}
		uploads = append(uploads, Upload{
			VideoID:     entry.ID,
			Title:       entry.Title,
			Duration:    time.Duration(entry.Duration) * time.Second,
			ChannelName: name,
			Published:   parseYtdlpDate(entry),
		})
	}

	return uploads, nil
}

// parseYtdlpDate extracts the published time from a yt-dlp entry.
func parseYtdlpDate(entry ytdlpEntry) time.Time {
	if entry.Timestamp > 0 {
		return time.Unix(entry.Timestamp, 0).UTC()
	}

	// Fall back to upload_date (YYYYMMDD).
	if entry.UploadDate != "" {
		t, err := time.Parse("20060102", entry.UploadDate)
		if err == nil {
			return t
		}
	}

	return time.Time{}
}

// ytdlpErrorClassifier determines if a yt-dlp error is retryable.
func ytdlpErrorClassifier(err error) bool {
	if err == nil {
		return false
	}

	var listerErr *ListerError
	if errors.As(err, &listerErr) {
		switch listerErr.Err {
		case ErrChannelNotFound, ErrYtdlpNotInstalled:
			return false
		default:
			return true
		}
	}

	return true
}
