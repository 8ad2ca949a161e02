package youtube

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ytarchiver/internal/retry"
)

const (
	rssFeedURLTemplate = "https://www.youtube.com/feeds/videos.xml?channel_id=%s"
	defaultTimeout     = 30 * time.Second
)

// RSSLister implements ChannelLister using YouTube's RSS/Atom feeds.
// Feeds only carry the 15 most recent uploads, which is plenty for the watch
// daemon's incremental polling; Shorts are interleaved with regular uploads.
// The channel must be identified by channel ID (UC...) - feeds have no handle
// resolution.
type RSSLister struct {
	client      *http.Client
	RetryConfig *retry.Config
}

// NewRSSLister creates a new RSS-based channel lister.
func NewRSSLister() *RSSLister {
	cfg := retry.DefaultConfig()
	return &RSSLister{
		client: &http.Client{
			Timeout: defaultTimeout,
		},
		RetryConfig: &cfg,
	}
}

// NewRSSListerWithClient creates an RSS lister with a custom HTTP client.
func NewRSSListerWithClient(client *http.Client) *RSSLister {
	return &RSSLister{client: client}
}

// ListUploads fetches the channel's feed and returns its uploads newest first.
func (r *RSSLister) ListUploads(ctx context.Context, channel string, feed Feed) ([]Upload, error) {
	channelID, err := extractChannelID(channel)
	if err != nil {
		return nil, &ListerError{Source: "rss", Channel: channel, Err: err}
	}

	var uploads []Upload
	cfg := r.RetryConfig
	if cfg == nil {
		defaultCfg := retry.DefaultConfig()
		cfg = &defaultCfg
	}

	err = retry.Do(ctx, *cfg, rssErrorClassifier, func(ctx context.Context) error {
		feedURL := fmt.Sprintf(rssFeedURLTemplate, channelID)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
		if err != nil {
			return &ListerError{Source: "rss", Channel: channel, Err: err}
		}

		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return &ListerError{Source: "rss", Channel: channel, Err: ErrNetworkTimeout}
			}
			return &ListerError{Source: "rss", Channel: channel, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return &ListerError{Source: "rss", Channel: channel, Err: ErrChannelNotFound}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return &ListerError{Source: "rss", Channel: channel, Err: ErrRateLimited}
		}
		if resp.StatusCode != http.StatusOK {
			return &ListerError{Source: "rss", Channel: channel,
				Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)}
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &ListerError{Source: "rss", Channel: channel, Err: err}
		}

		parsed, err := parseAtomFeed(body)
		if err != nil {
			return &ListerError{Source: "rss", Channel: channel, Err: err}
		}

		uploads = feedToUploads(parsed)
		return nil
	})

	if err != nil {
		return nil, err
	}

	sortNewestFirst(uploads)
	return uploads, nil
}

// atomFeed represents a YouTube Atom feed structure.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Author  atomAuthor  `xml:"author"`
	Entries []atomEntry `xml:"entry"`
}

type atomAuthor struct {
	Name string `xml:"name"`
	URI  string `xml:"uri"`
}

type atomEntry struct {
	ID        string    `xml:"id"`
	VideoID   string    `xml:"http://www.youtube.com/xml/schemas/2015 videoId"`
	ChannelID string    `xml:"http://www.youtube.com/xml/schemas/2015 channelId"`
	Title     string    `xml:"title"`
	Published time.Time `xml:"published"`
	Updated   time.Time `xml:"updated"`
}

// parseAtomFeed parses YouTube's Atom XML feed.
func parseAtomFeed(data []byte) (*atomFeed, error) {
	var feed atomFeed
	if err := xml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("parse atom feed: %w", err)
	}
	return &feed, nil
}

// feedToUploads converts an Atom feed's entries to Uploads.
func feedToUploads(feed *atomFeed) []Upload {
	uploads := make([]Upload, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		uploads = append(uploads, Upload{
			VideoID:     entry.VideoID,
			Title:       entry.Title,
			Published:   entry.Published,
			ChannelName: feed.Author.Name,
			// Duration not available in RSS feeds.
		})
	}
	return uploads
}

// rssErrorClassifier determines if an RSS error is retryable.
func rssErrorClassifier(err error) bool {
	if err == nil {
		return false
	}

	var listerErr *ListerError
	if errors.As(err, &listerErr) {
		switch listerErr.Err {
		case ErrChannelNotFound, ErrInvalidChannel:
			return false
		default:
			// Rate limits, timeouts and network errors are retryable.
			return true
		}
	}

	return true
}
