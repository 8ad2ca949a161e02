package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ytarchiver/internal/invoker"
	"ytarchiver/internal/job"
	"ytarchiver/internal/queue"
	"ytarchiver/internal/watchlist"
)

type nopInvoker struct{}

func (nopInvoker) Download(ctx context.Context, kind job.Kind, target string, opts job.Options, sink invoker.Sink) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *queue.Queue) {
	t.Helper()
	store, err := watchlist.Open(filepath.Join(t.TempDir(), "watchlist.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q := queue.New()
	return NewServer(q, store), q
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSubmitAndGetJob(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/jobs", submitRequest{
		Kind:    "video",
		Targets: []string{"dQw4w9WgXcQ"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST status = %d, want 201: %s", w.Code, w.Body.String())
	}

	var created jobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Status != "queued" {
		t.Errorf("created = %+v", created)
	}
	if created.QueuePosition != 1 {
		t.Errorf("queue position = %d, want 1", created.QueuePosition)
	}

	w = doJSON(t, h, http.MethodGet, "/api/jobs/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d", w.Code)
	}

	var fetched jobResponse
	json.Unmarshal(w.Body.Bytes(), &fetched)
	if fetched.ID != created.ID {
		t.Errorf("fetched ID = %s, want %s", fetched.ID, created.ID)
	}
}

func TestSubmitInvalidJob(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name string
		req  submitRequest
	}{
		{"unknown kind", submitRequest{Kind: "playlist", Targets: []string{"x"}}},
		{"empty targets", submitRequest{Kind: "video"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, h, http.MethodPost, "/api/jobs", tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			var body map[string]string
			json.Unmarshal(w.Body.Bytes(), &body)
			if body["error"] == "" {
				t.Error("expected JSON error body")
			}
		})
	}
}

func TestGetUnknownJob(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s.Handler(), http.MethodGet, "/api/jobs/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListJobs(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	for i := 0; i < 3; i++ {
		w := doJSON(t, h, http.MethodPost, "/api/jobs", submitRequest{
			Kind:    "video",
			Targets: []string{fmt.Sprintf("v%d", i)},
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("POST status = %d", w.Code)
		}
	}

	w := doJSON(t, h, http.MethodGet, "/api/jobs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d", w.Code)
	}

	var body struct {
		Jobs []jobResponse `json:"jobs"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Jobs) != 3 {
		t.Errorf("listed %d jobs, want 3", len(body.Jobs))
	}
	for i, j := range body.Jobs {
		if j.QueuePosition != i+1 {
			t.Errorf("job %d position = %d, want %d", i, j.QueuePosition, i+1)
		}
	}
}

func TestDeleteCancelsQueuedJob(t *testing.T) {
	s, q := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/jobs", submitRequest{Kind: "video", Targets: []string{"v1"}})
	var created jobResponse
	json.Unmarshal(w.Body.Bytes(), &created)

	w = doJSON(t, h, http.MethodDelete, "/api/jobs/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "cancelling") {
		t.Errorf("body = %s, want cancelling", w.Body.String())
	}

	snap, err := q.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Status != job.StatusCancelled {
		t.Errorf("status = %s, want cancelled", snap.Status)
	}
}

func TestDeleteRemovesTerminalJob(t *testing.T) {
	s, q := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/jobs", submitRequest{Kind: "video", Targets: []string{"v1"}})
	var created jobResponse
	json.Unmarshal(w.Body.Bytes(), &created)

	q.Close()
	if err := q.Run(context.Background(), nopInvoker{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	w = doJSON(t, h, http.MethodDelete, "/api/jobs/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "deleted") {
		t.Errorf("body = %s, want deleted", w.Body.String())
	}

	w = doJSON(t, h, http.MethodGet, "/api/jobs/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", w.Code)
	}
}

func TestJobLogTail(t *testing.T) {
	s, q := newTestServer(t)
	s.LogDir = t.TempDir()
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/jobs", submitRequest{Kind: "video", Targets: []string{"v1"}})
	var created jobResponse
	json.Unmarshal(w.Body.Bytes(), &created)

	snap, _ := q.Get(created.ID)
	var lines []string
	for i := 1; i <= 100; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	if err := os.WriteFile(snap.Options.LogFile, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	t.Run("default 40 lines", func(t *testing.T) {
		w := doJSON(t, h, http.MethodGet, "/api/jobs/"+created.ID+"/log", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
		var body struct {
			Lines []string `json:"lines"`
		}
		json.Unmarshal(w.Body.Bytes(), &body)
		if len(body.Lines) != 40 {
			t.Errorf("got %d lines, want 40", len(body.Lines))
		}
		if body.Lines[len(body.Lines)-1] != "line 100" {
			t.Errorf("last line = %q, want line 100", body.Lines[len(body.Lines)-1])
		}
	})

	t.Run("explicit lines", func(t *testing.T) {
		w := doJSON(t, h, http.MethodGet, "/api/jobs/"+created.ID+"/log?lines=5", nil)
		var body struct {
			Lines []string `json:"lines"`
		}
		json.Unmarshal(w.Body.Bytes(), &body)
		if len(body.Lines) != 5 {
			t.Errorf("got %d lines, want 5", len(body.Lines))
		}
	})

	t.Run("out of range", func(t *testing.T) {
		for _, q := range []string{"lines=0", "lines=1001", "lines=abc"} {
			w := doJSON(t, h, http.MethodGet, "/api/jobs/"+created.ID+"/log?"+q, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("%s: status = %d, want 400", q, w.Code)
			}
		}
	})
}

func TestWatchlistEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/watchlist", watchRequest{Handle: "SomeChannel", Mode: "channel"})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST status = %d: %s", w.Code, w.Body.String())
	}

	// Duplicate handle conflicts.
	w = doJSON(t, h, http.MethodPost, "/api/watchlist", watchRequest{Handle: "@somechannel"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", w.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/api/watchlist", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d", w.Code)
	}
	var body struct {
		Entries []watchlist.Entry `json:"entries"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Entries) != 1 || body.Entries[0].Handle != "@somechannel" {
		t.Errorf("entries = %+v", body.Entries)
	}

	w = doJSON(t, h, http.MethodDelete, "/api/watchlist/@somechannel", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", w.Code)
	}

	w = doJSON(t, h, http.MethodDelete, "/api/watchlist/@somechannel", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", w.Code)
	}
}
