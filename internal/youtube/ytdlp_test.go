package youtube

import (
	"testing"
	"time"
)

const sampleYtdlpListing = `{
  "id": "UCuAXFkgsw1L7xaCfnd5JJOw",
  "title": "Test Channel",
  "uploader": "Test Uploader",
  "entries": [
    {
      "id": "dQw4w9WgXcQ",
      "title": "Video 1",
      "duration": 212,
      "uploader": "Test Uploader",
      "upload_date": "20200101",
      "timestamp": 1577836800
    },
    {
      "id": "xQw4w9WgXcZ",
      "title": "Video 2",
      "duration": 180,
      "upload_date": "20200102",
      "timestamp": 1577923200
    }
  ]
}`

func TestParseYtdlpListing(t *testing.T) {
	uploads, err := parseYtdlpListing([]byte(sampleYtdlpListing))
	if err != nil {
		t.Fatalf("parseYtdlpListing() error = %v", err)
	}

	if len(uploads) != 2 {
		t.Fatalf("len = %d, want 2", len(uploads))
	}

	u := uploads[0]
	if u.VideoID != "dQw4w9WgXcQ" {
		t.Errorf("VideoID = %q, want dQw4w9WgXcQ", u.VideoID)
	}
	if u.Title != "Video 1" {
		t.Errorf("Title = %q, want Video 1", u.Title)
	}
	if u.Duration != 212*time.Second {
		t.Errorf("Duration = %v, want 212s", u.Duration)
	}
	if u.Published.IsZero() {
		t.Error("Published should be set from timestamp")
	}

	// Entry without uploader inherits the playlist uploader.
	if uploads[1].ChannelName != "Test Uploader" {
		t.Errorf("ChannelName = %q, want playlist uploader", uploads[1].ChannelName)
	}
}

func TestParseYtdlpListingMalformed(t *testing.T) {
	if _, err := parseYtdlpListing([]byte("not json")); err == nil {
		t.Error("expected parse error")
	}
}

func TestParseYtdlpDate(t *testing.T) {
	withTimestamp := ytdlpEntry{Timestamp: 1577836800, UploadDate: "20200115"}
	if got := parseYtdlpDate(withTimestamp); got.Unix() != 1577836800 {
		t.Errorf("timestamp takes priority: got %v", got)
	}

	dateOnly := ytdlpEntry{UploadDate: "20200115"}
	got := parseYtdlpDate(dateOnly)
	if got.Year() != 2020 || got.Month() != time.January || got.Day() != 15 {
		t.Errorf("upload_date fallback: got %v", got)
	}

	if got := parseYtdlpDate(ytdlpEntry{}); !got.IsZero() {
		t.Errorf("no date info should yield zero time, got %v", got)
	}
}
