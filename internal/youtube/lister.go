// Package youtube provides channel upload listing for the watch daemon.
//
// Implementations of ChannelLister fetch a channel's current uploads from
// different sources (RSS feed, yt-dlp subprocess, Data API v3); the daemon
// depends only on the interface.
package youtube

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Sentinel errors for upload listing operations.
var (
	ErrChannelNotFound   = errors.New("youtube: channel not found")
	ErrRateLimited       = errors.New("youtube: rate limited")
	ErrNetworkTimeout    = errors.New("youtube: network timeout")
	ErrInvalidChannel    = errors.New("youtube: invalid channel identifier")
	ErrYtdlpNotInstalled = errors.New("youtube: yt-dlp not installed")
)

// Feed selects which upload feed of a channel to list.
type Feed int

const (
	// FeedUploads is the channel's main uploads feed.
	FeedUploads Feed = iota
	// FeedShorts is the channel's Shorts feed. Only the yt-dlp lister can
	// list Shorts separately; RSS and the Data API interleave Shorts into
	// the uploads feed.
	FeedShorts
)

// Upload is one entry of a channel's upload listing.
type Upload struct {
	// VideoID is the YouTube video ID (e.g., "dQw4w9WgXcQ").
	VideoID string

	// Title is the video title.
	Title string

	// Published is the upload's publication marker. Listers return it
	// consistently so uploads can be ordered and diffed against a
	// channel's watermark.
	Published time.Time

	// Duration is the video length. Zero for sources that omit it (RSS).
	Duration time.Duration

	// ChannelName is the display name of the channel, when known.
	ChannelName string
}

// URL returns the canonical watch URL for this upload.
func (u Upload) URL() string {
	return "https://www.youtube.com/watch?v=" + u.VideoID
}

// ChannelLister fetches the current upload listing of a channel.
type ChannelLister interface {
	// ListUploads returns the channel's uploads, newest first. channel is
	// a handle (@name), a channel ID (UC...), or a channel URL; not every
	// implementation accepts every form. Failures are transient unless
	// they wrap ErrChannelNotFound or ErrInvalidChannel.
	ListUploads(ctx context.Context, channel string, feed Feed) ([]Upload, error)
}

// ListerError wraps errors with context about the listing operation.
type ListerError struct {
	Source  string // "rss", "ytdlp", "api"
	Channel string // channel identifier being listed
	Err     error
}

func (e *ListerError) Error() string {
	return "youtube: " + e.Source + " listing " + e.Channel + ": " + e.Err.Error()
}

func (e *ListerError) Unwrap() error { return e.Err }

// channelIDRegex matches YouTube channel IDs (UC followed by 22 base64 chars).
var channelIDRegex = regexp.MustCompile(`UC[a-zA-Z0-9_-]{22}`)

// extractChannelID extracts a channel ID from an ID string or channel URL.
func extractChannelID(input string) (string, error) {
	if channelIDRegex.MatchString(input) {
		return channelIDRegex.FindString(input), nil
	}
	return "", ErrInvalidChannel
}

// normalizeHandle ensures a channel handle carries the leading @.
func normalizeHandle(handle string) string {
	handle = strings.TrimSpace(handle)
	if handle == "" || strings.HasPrefix(handle, "@") {
		return handle
	}
	return "@" + handle
}

// channelFeedURL builds the browse URL for a channel's feed tab.
func channelFeedURL(channel string, feed Feed) string {
	base := channel
	if !strings.Contains(channel, "youtube.com/") {
		if channelIDRegex.MatchString(channel) {
			base = "https://www.youtube.com/channel/" + channelIDRegex.FindString(channel)
		} else {
			base = "https://www.youtube.com/" + normalizeHandle(channel)
		}
	}
	base = strings.TrimSuffix(base, "/")

	tab := "/videos"
	if feed == FeedShorts {
		tab = "/shorts"
	}
	if strings.HasSuffix(base, tab) {
		return base
	}
	return base + tab
}

// sortNewestFirst orders uploads by published time, newest first.
// Listers call it so callers can rely on a consistent order.
func sortNewestFirst(uploads []Upload) {
	sort.SliceStable(uploads, func(i, j int) bool {
		return uploads[i].Published.After(uploads[j].Published)
	})
}
