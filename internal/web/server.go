// Package web exposes the job queue and watchlist over a JSON HTTP API.
package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ytarchiver/internal/job"
	"ytarchiver/internal/queue"
	"ytarchiver/internal/watchlist"
)

const (
	defaultLogLines = 40
	maxLogLines     = 1000
)

// Server handles the HTTP API.
type Server struct {
	queue *queue.Queue
	store *watchlist.Store

	// OutputDir and LogDir are applied to jobs submitted without an
	// explicit output directory.
	OutputDir string
	LogDir    string
}

// NewServer creates an API server over the given queue and watchlist.
// store may be nil; the watchlist endpoints then return 404.
func NewServer(q *queue.Queue, store *watchlist.Store) *Server {
	return &Server{queue: q, store: store}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("GET /api/jobs/{id}/log", s.handleJobLog)

	mux.HandleFunc("GET /api/watchlist", s.handleListWatchlist)
	mux.HandleFunc("POST /api/watchlist", s.handleAddWatch)
	mux.HandleFunc("DELETE /api/watchlist/{handle}", s.handleRemoveWatch)

	return mux
}

// ListenAndServe runs the API server on addr until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	log.Printf("ytarchiver: API listening on %s", addr)
	return srv.ListenAndServe()
}

// submitRequest is the body of POST /api/jobs.
type submitRequest struct {
	Kind      string   `json:"kind"`
	Targets   []string `json:"targets"`
	OutputDir string   `json:"output_dir,omitempty"`
	Subtitles bool     `json:"subtitles,omitempty"`
	NoCache   bool     `json:"no_cache,omitempty"`
}

// jobResponse is the JSON shape of one job.
type jobResponse struct {
	ID            string             `json:"id"`
	Kind          string             `json:"kind"`
	Targets       []string           `json:"targets"`
	Status        string             `json:"status"`
	QueuePosition int                `json:"queue_position,omitempty"`
	Progress      *progressResponse  `json:"progress,omitempty"`
	Results       []job.TargetResult `json:"results,omitempty"`
	SubmittedAt   time.Time          `json:"submitted_at"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
}

type progressResponse struct {
	TargetIndex int     `json:"target_index"`
	TargetTotal int     `json:"target_total"`
	Title       string  `json:"title,omitempty"`
	URL         string  `json:"url,omitempty"`
	Percent     float64 `json:"percent"`
	Stage       string  `json:"stage"`
}

func toJobResponse(j job.Job) jobResponse {
	resp := jobResponse{
		ID:            j.ID,
		Kind:          string(j.Kind),
		Targets:       j.Targets,
		Status:        string(j.Status),
		QueuePosition: j.QueuePosition,
		Results:       j.Results,
		SubmittedAt:   j.SubmittedAt,
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		resp.StartedAt = &t
	}
	if !j.FinishedAt.IsZero() {
		t := j.FinishedAt
		resp.FinishedAt = &t
	}
	if j.Status == job.StatusRunning {
		resp.Progress = &progressResponse{
			TargetIndex: j.Progress.TargetIndex,
			TargetTotal: j.Progress.TargetTotal,
			Title:       j.Progress.Title,
			URL:         j.Progress.URL,
			Percent:     j.Progress.Percent,
			Stage:       j.Progress.Stage,
		}
	}
	return resp
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	kind, err := job.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := job.Options{
		OutputDir: req.OutputDir,
		Subtitles: req.Subtitles,
		NoCache:   req.NoCache,
	}
	if opts.OutputDir == "" {
		opts.OutputDir = s.OutputDir
	}

	j, err := job.New(kind, req.Targets, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.LogDir != "" {
		j.Options.LogFile = filepath.Join(s.LogDir, j.ID+".log")
		j.LogFile = j.Options.LogFile
	}

	id, err := s.queue.Enqueue(j)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "queue closed")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, _ := s.queue.Get(id)
	writeJSON(w, http.StatusCreated, toJobResponse(snap))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.queue.List()
	out := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = toJobResponse(j)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.queue.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(j))
}

// handleDeleteJob cancels an active job, or removes a terminal job from
// history.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.queue.Cancel(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	case errors.Is(err, queue.ErrNotCancellable):
		if err := s.queue.Delete(id); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	j, err := s.queue.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	lines := defaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLogLines {
			writeError(w, http.StatusBadRequest, "lines must be 1-1000")
			return
		}
		lines = n
	}

	tail, err := readLogTail(j.Options.LogFile, lines)
	if err != nil {
		writeError(w, http.StatusNotFound, "no log available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": j.ID, "lines": tail})
}

// readLogTail returns the last n lines of the log file at path.
func readLogTail(path string, n int) ([]string, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// watchRequest is the body of POST /api/watchlist.
type watchRequest struct {
	Handle    string `json:"handle"`
	Mode      string `json:"mode,omitempty"`
	Subtitles bool   `json:"subtitles,omitempty"`
	OutputDir string `json:"output_dir,omitempty"`
}

func (s *Server) handleListWatchlist(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "watchlist not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.store.List()})
}

func (s *Server) handleAddWatch(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "watchlist not enabled")
		return
	}

	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	entry := &watchlist.Entry{
		Handle:    req.Handle,
		Mode:      watchlist.Mode(req.Mode),
		Subtitles: req.Subtitles,
		OutputDir: req.OutputDir,
	}
	if req.Mode == "" {
		entry.Mode = watchlist.ModeVideo
	}

	if err := s.store.Add(entry); err != nil {
		if errors.Is(err, watchlist.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "handle already watched")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRemoveWatch(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "watchlist not enabled")
		return
	}

	if err := s.store.Remove(r.PathValue("handle")); err != nil {
		if errors.Is(err, watchlist.ErrNotFound) {
			writeError(w, http.StatusNotFound, "handle not watched")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("ytarchiver: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
