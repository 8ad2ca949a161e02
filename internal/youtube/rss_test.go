package youtube

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ytarchiver/internal/retry"
)

func fastRetry() *retry.Config {
	return &retry.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestRSSListerListUploads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channelID := r.URL.Query().Get("channel_id")
		if channelID != "UCtest123456789012345678" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(sampleAtomFeed))
	}))
	defer server.Close()

	lister := NewRSSLister()
	lister.client = server.Client()
	lister.client.Transport = &testTransport{baseURL: server.URL}

	uploads, err := lister.ListUploads(context.Background(),
		"https://www.youtube.com/channel/UCtest123456789012345678", FeedUploads)
	if err != nil {
		t.Fatalf("ListUploads() error = %v", err)
	}

	if len(uploads) != 2 {
		t.Fatalf("ListUploads() len = %d, want 2", len(uploads))
	}

	// Newest first: the 2020-01-02 upload comes before 2020-01-01.
	if uploads[0].VideoID != "xQw4w9WgXcZ" {
		t.Errorf("uploads[0].VideoID = %q, want %q", uploads[0].VideoID, "xQw4w9WgXcZ")
	}
	if uploads[1].VideoID != "dQw4w9WgXcQ" {
		t.Errorf("uploads[1].VideoID = %q, want %q", uploads[1].VideoID, "dQw4w9WgXcQ")
	}
	if uploads[0].Title != "Video 2" {
		t.Errorf("uploads[0].Title = %q, want %q", uploads[0].Title, "Video 2")
	}
	if uploads[0].ChannelName != "Test Channel" {
		t.Errorf("uploads[0].ChannelName = %q, want %q", uploads[0].ChannelName, "Test Channel")
	}
	if got := uploads[1].URL(); got != "https://www.youtube.com/watch?v=dQw4w9WgXcQ" {
		t.Errorf("URL() = %q", got)
	}
}

func TestRSSListerErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"channel not found", http.StatusNotFound, ErrChannelNotFound},
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			lister := NewRSSLister()
			lister.client = server.Client()
			lister.client.Transport = &testTransport{baseURL: server.URL}
			lister.RetryConfig = fastRetry()

			_, err := lister.ListUploads(context.Background(), "UCtest123456789012345678", FeedUploads)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ListUploads() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRSSListerRejectsHandles(t *testing.T) {
	lister := NewRSSLister()
	_, err := lister.ListUploads(context.Background(), "@somechannel", FeedUploads)
	if !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("error = %v, want ErrInvalidChannel", err)
	}
}

func TestParseAtomFeedEmpty(t *testing.T) {
	feed, err := parseAtomFeed([]byte(sampleEmptyAtomFeed))
	if err != nil {
		t.Fatalf("parseAtomFeed() error = %v", err)
	}
	if len(feed.Entries) != 0 {
		t.Errorf("entries = %d, want 0", len(feed.Entries))
	}
}

func TestParseAtomFeedMalformed(t *testing.T) {
	if _, err := parseAtomFeed([]byte("not xml at all <<<")); err == nil {
		t.Error("expected parse error for malformed feed")
	}
}

// testTransport rewrites feed requests to the test server.
type testTransport struct {
	baseURL string
}

func (t *testTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	newURL := t.baseURL + "/feeds/videos.xml?" + req.URL.RawQuery
	newReq, err := http.NewRequestWithContext(req.Context(), req.Method, newURL, req.Body)
	if err != nil {
		return nil, err
	}
	return http.DefaultTransport.RoundTrip(newReq)
}

const sampleAtomFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
  <title>Test Channel</title>
  <author>
    <name>Test Channel</name>
    <uri>https://www.youtube.com/channel/UCtest123456789012345678</uri>
  </author>
  <entry>
    <id>yt:video:dQw4w9WgXcQ</id>
    <yt:videoId>dQw4w9WgXcQ</yt:videoId>
    <yt:channelId>UCtest123456789012345678</yt:channelId>
    <title>Video 1</title>
    <published>2020-01-01T00:00:00Z</published>
    <updated>2020-01-01T00:00:00Z</updated>
  </entry>
  <entry>
    <id>yt:video:xQw4w9WgXcZ</id>
    <yt:videoId>xQw4w9WgXcZ</yt:videoId>
    <yt:channelId>UCtest123456789012345678</yt:channelId>
    <title>Video 2</title>
    <published>2020-01-02T00:00:00Z</published>
    <updated>2020-01-02T00:00:00Z</updated>
  </entry>
</feed>`

const sampleEmptyAtomFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">
  <title>Test Channel</title>
  <author>
    <name>Test Channel</name>
    <uri>https://www.youtube.com/channel/UCtest123456789012345678</uri>
  </author>
</feed>`
