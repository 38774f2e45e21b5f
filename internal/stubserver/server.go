// SPDX-License-Identifier: MIT

// Package stubserver is an in-memory transcription backend implementing
// the upload and job-status wire contract. It backs local development and
// end-to-end runs without a real speech-to-text service.
package stubserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxpipe/voxpipe/internal/log"
	"github.com/voxpipe/voxpipe/internal/types"
)

const maxUploadBytes = 512 << 20

// Options tunes the stub's behavior.
type Options struct {
	// CompleteAfterPolls is how many status polls a job spends before it
	// completes: half pending, half processing.
	CompleteAfterPolls int
	// RequestsPerMinute bounds each client IP.
	RequestsPerMinute int
}

func (o *Options) defaults() {
	if o.CompleteAfterPolls <= 0 {
		o.CompleteAfterPolls = 4
	}
	if o.RequestsPerMinute <= 0 {
		o.RequestsPerMinute = 600
	}
}

type uploadSession struct {
	chunks      map[int][]byte
	totalChunks int
	jobID       string // set once finalized; repeat finalizes reuse it
}

type jobRecord struct {
	id        string
	audioSize int
	polls     int
	createdAt time.Time
}

// Server holds all state in memory. Safe for concurrent use.
type Server struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*uploadSession
	jobs     map[string]*jobRecord
}

// New builds a stub backend.
func New(opts Options) *Server {
	opts.defaults()
	return &Server{
		opts:     opts,
		logger:   log.WithComponent("stubserver"),
		sessions: make(map[string]*uploadSession),
		jobs:     make(map[string]*jobRecord),
	}
}

// Handler returns the HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(s.opts.RequestsPerMinute, time.Minute))

	r.Head("/", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/", s.handleSingleShot)
	r.Post("/chunk", s.handleChunk)
	r.Post("/finalize", s.handleFinalize)
	r.Post("/cleanup", s.handleCleanup)
	r.Get("/job/{jobID}", s.handleJob)
	return r
}

func (s *Server) handleSingleShot(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart payload")
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing audio field")
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read audio")
		return
	}
	if len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "empty audio payload")
		return
	}

	job := s.createJob(len(audio))
	s.logger.Info().Str("job_id", job.id).Int("bytes", len(audio)).Msg("single-shot upload accepted")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobId": job.id})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart payload")
		return
	}
	sessionID := r.FormValue("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing sessionId")
		return
	}
	index, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "invalid chunkIndex")
		return
	}
	total, err := strconv.Atoi(r.FormValue("totalChunks"))
	if err != nil || total < 1 || index >= total {
		writeError(w, http.StatusBadRequest, "invalid totalChunks")
		return
	}
	file, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing chunk field")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read chunk")
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &uploadSession{chunks: make(map[int][]byte)}
		s.sessions[sessionID] = sess
	}
	// Chunk identity is (sessionId, index); re-uploads overwrite in place.
	sess.chunks[index] = data
	sess.totalChunks = total
	received := len(sess.chunks)
	s.mu.Unlock()

	s.logger.Debug().Str("session_id", sessionID).Int("index", index).Int("received", received).Msg("chunk stored")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "received": received})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   string `json:"sessionId"`
		TotalChunks int    `json:"totalChunks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid finalize payload")
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if sess.jobID != "" {
		jobID := sess.jobID
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobId": jobID, "message": "already finalized"})
		return
	}
	var size int
	for i := 0; i < req.TotalChunks; i++ {
		data, ok := sess.chunks[i]
		if !ok {
			s.mu.Unlock()
			writeError(w, http.StatusBadRequest, fmt.Sprintf("chunk %d missing", i))
			return
		}
		size += len(data)
	}
	s.mu.Unlock()

	job := s.createJob(size)

	s.mu.Lock()
	sess.jobID = job.id
	s.mu.Unlock()

	s.logger.Info().Str("session_id", req.SessionID).Str("job_id", job.id).Int("bytes", size).Msg("session finalized")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobId": job.id})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid cleanup payload")
		return
	}
	s.mu.Lock()
	_, existed := s.sessions[req.SessionID]
	delete(s.sessions, req.SessionID)
	s.mu.Unlock()
	s.logger.Info().Str("session_id", req.SessionID).Bool("existed", existed).Msg("session cleaned up")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	job.polls++
	status := s.statusForLocked(job)
	snapshot := map[string]any{
		"id":        job.id,
		"status":    status.String(),
		"createdAt": job.createdAt.Format(time.RFC3339),
	}
	if status == types.JobStatusCompleted {
		snapshot["transcriptText"] = fmt.Sprintf("stub transcript for %d bytes of audio", job.audioSize)
		snapshot["cost"] = float64(job.audioSize) / float64(1<<20) * 0.01
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": snapshot})
}

// statusForLocked advances a job through pending and processing by poll
// count. Caller holds s.mu.
func (s *Server) statusForLocked(job *jobRecord) types.JobStatus {
	switch {
	case job.polls > s.opts.CompleteAfterPolls:
		return types.JobStatusCompleted
	case job.polls > s.opts.CompleteAfterPolls/2:
		return types.JobStatusProcessing
	default:
		return types.JobStatusPending
	}
}

func (s *Server) createJob(audioSize int) *jobRecord {
	job := &jobRecord{
		id:        uuid.NewString(),
		audioSize: audioSize,
		createdAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.jobs[job.id] = job
	s.mu.Unlock()
	return job
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
