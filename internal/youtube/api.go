package youtube

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"ytarchiver/internal/retry"
)

// APILister implements ChannelLister using YouTube Data API v3.
// It resolves handles to channel IDs and lists the uploads playlist, with
// a graceful fallback to another lister when the daily quota runs out.
// Shorts cannot be listed separately; FeedShorts falls back immediately.
type APILister struct {
	service      *youtube.Service
	apiKey       string
	quotaReserve int

	mu             sync.Mutex
	estimatedQuota int
	lastQuotaReset time.Time
	quotaExhausted bool
	fallbackLister ChannelLister
	handleCache    map[string]string // normalized handle -> channel ID

	RetryConfig *retry.Config
}

// NewAPILister creates a new Data API v3-based channel lister.
// quotaReserve is the minimum quota units to keep in reserve.
func NewAPILister(apiKey string, quotaReserve int) (*APILister, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}

	service, err := youtube.NewService(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}

	cfg := retry.DefaultConfig()
	return &APILister{
		service:        service,
		apiKey:         apiKey,
		quotaReserve:   quotaReserve,
		estimatedQuota: 10000, // default daily quota
		lastQuotaReset: time.Now(),
		handleCache:    make(map[string]string),
		RetryConfig:    &cfg,
	}, nil
}

// SetFallbackLister sets the lister used when quota is exhausted and for
// the Shorts feed, which the Data API cannot list on its own.
func (a *APILister) SetFallbackLister(lister ChannelLister) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallbackLister = lister
}

// ListUploads fetches the channel's uploads via the Data API, newest first.
func (a *APILister) ListUploads(ctx context.Context, channel string, feed Feed) ([]Upload, error) {
	if feed == FeedShorts {
		if fb := a.fallback(); fb != nil {
			return fb.ListUploads(ctx, channel, feed)
		}
		return nil, &ListerError{Source: "api", Channel: channel,
			Err: errors.New("shorts feed not listable via Data API")}
	}

	if a.exhausted() {
		if fb := a.fallback(); fb != nil {
			log.Printf("ytarchiver: API quota exhausted, falling back to %T", fb)
			return fb.ListUploads(ctx, channel, feed)
		}
	}

	channelID, err := a.resolveChannelID(ctx, channel)
	if err != nil {
		return nil, &ListerError{Source: "api", Channel: channel, Err: err}
	}

	uploadsPlaylistID, channelName, err := a.getUploadsPlaylistID(ctx, channelID)
	if err != nil {
		return nil, &ListerError{Source: "api", Channel: channel, Err: err}
	}

	uploads, err := a.listPlaylistUploads(ctx, uploadsPlaylistID, channelName)
	if err != nil {
		return nil, &ListerError{Source: "api", Channel: channel, Err: err}
	}

	sortNewestFirst(uploads)
	return uploads, nil
}

func (a *APILister) fallback() ChannelLister {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fallbackLister
}

func (a *APILister) exhausted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quotaExhausted
}

// resolveChannelID converts a channel URL, handle, or ID to a channel ID.
// Handle resolutions are cached; they cost 100 quota units each.
func (a *APILister) resolveChannelID(ctx context.Context, input string) (string, error) {
	if channelIDRegex.MatchString(input) {
		return channelIDRegex.FindString(input), nil
	}

	handle := normalizeHandle(input)
	if strings.Contains(input, "youtube.com/") && !strings.Contains(input, "/@") {
		return "", fmt.Errorf("%w: cannot resolve channel from %q", ErrInvalidChannel, input)
	}
	if i := strings.Index(handle, "/@"); i >= 0 {
		handle = handle[i+1:]
		handle = strings.Split(handle, "/")[0]
	}

	a.mu.Lock()
	if id, ok := a.handleCache[handle]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	id, err := a.lookupChannelByHandle(ctx, handle)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.handleCache[handle] = id
	a.mu.Unlock()
	return id, nil
}

// lookupChannelByHandle resolves a @handle via channels.list forHandle.
func (a *APILister) lookupChannelByHandle(ctx context.Context, handle string) (string, error) {
	var channelID string
	cfg := a.RetryConfig
	if cfg == nil {
		defaultCfg := retry.DefaultConfig()
		cfg = &defaultCfg
	}

	err := retry.Do(ctx, *cfg, apiErrorClassifier, func(ctx context.Context) error {
		call := a.service.Channels.List([]string{"id"}).
			ForHandle(handle).
			Context(ctx)

		resp, err := call.Do()
		if err != nil {
			if ctx.Err() != nil {
				return ErrNetworkTimeout
			}
			return err
		}

		if len(resp.Items) == 0 {
			return ErrChannelNotFound
		}

		channelID = resp.Items[0].Id
		a.trackQuotaUsage(1) // channels.list uses 1 unit
		return nil
	})

	if err != nil {
		return "", err
	}

	return channelID, nil
}

// getUploadsPlaylistID gets the uploads playlist ID for a channel.
func (a *APILister) getUploadsPlaylistID(ctx context.Context, channelID string) (string, string, error) {
	var playlistID string
	var channelName string

	cfg := a.RetryConfig
	if cfg == nil {
		defaultCfg := retry.DefaultConfig()
		cfg = &defaultCfg
	}

	err := retry.Do(ctx, *cfg, apiErrorClassifier, func(ctx context.Context) error {
		call := a.service.Channels.List([]string{"contentDetails", "snippet"}).
			Id(channelID).
			Context(ctx)

		resp, err := call.Do()
		if err != nil {
			if ctx.Err() != nil {
				return ErrNetworkTimeout
			}
			return err
		}

		if len(resp.Items) == 0 {
			return ErrChannelNotFound
		}

		ch := resp.Items[0]
		playlistID = ch.ContentDetails.RelatedPlaylists.Uploads
		if ch.Snippet != nil {
			channelName = ch.Snippet.Title
		}

		a.trackQuotaUsage(1)
		return nil
	})

	if err != nil {
		return "", "", err
	}

	return playlistID, channelName, nil
}

// listPlaylistUploads fetches one page of the uploads playlist. The watch
// daemon only needs recent uploads, so a single 50-item page is enough.
func (a *APILister) listPlaylistUploads(ctx context.Context, playlistID, channelName string) ([]Upload, error) {
	var uploads []Upload

	cfg := a.RetryConfig
	if cfg == nil {
		defaultCfg := retry.DefaultConfig()
		cfg = &defaultCfg
	}

	err := retry.Do(ctx, *cfg, apiErrorClassifier, func(ctx context.Context) error {
		call := a.service.PlaylistItems.List([]string{"snippet", "contentDetails"}).
			PlaylistId(playlistID).
			MaxResults(50).
			Context(ctx)

		resp, err := call.Do()
		if err != nil {
			if ctx.Err() != nil {
				return ErrNetworkTimeout
			}
			return err
		}

		uploads = uploads[:0]
		for _, item := range resp.Items {
			u := Upload{
				VideoID:     item.ContentDetails.VideoId,
				ChannelName: channelName,
			}
			if item.Snippet != nil {
				u.Title = item.Snippet.Title
				if t, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
					u.Published = t
				}
			}
			uploads = append(uploads, u)
		}

		a.trackQuotaUsage(1) // playlistItems.list uses 1 unit per page
		return nil
	})

	if err != nil {
		return nil, err
	}

	return uploads, nil
}

// trackQuotaUsage updates the estimated quota and flags exhaustion.
func (a *APILister) trackQuotaUsage(units int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Reset quota if a day has passed.
	if time.Since(a.lastQuotaReset) > 24*time.Hour {
		a.estimatedQuota = 10000
		a.lastQuotaReset = time.Now()
		a.quotaExhausted = false
		log.Printf("ytarchiver: API quota reset (new day)")
	}

	a.estimatedQuota -= units

	if a.estimatedQuota < a.quotaReserve && !a.quotaExhausted {
		log.Printf("ytarchiver: API quota exhausted (remaining: %d, reserve: %d)",
			a.estimatedQuota, a.quotaReserve)
		a.quotaExhausted = true
	}
}

// EstimatedQuota returns the estimated remaining quota units.
func (a *APILister) EstimatedQuota() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.estimatedQuota
}

// apiErrorClassifier determines if an API error is retryable.
func apiErrorClassifier(err error) bool {
	if err == nil {
		return false
	}

	switch err {
	case ErrChannelNotFound, ErrInvalidChannel:
		return false
	}

	if strings.Contains(err.Error(), "quotaExceeded") {
		return true
	}
	if strings.Contains(err.Error(), "rateLimitExceeded") {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return true
}
