package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/scribeforge/scribeforge/internal/corectx"
	"github.com/scribeforge/scribeforge/internal/store"
)

type jobSpecBody struct {
	ModelName string `json:"model_name"`
	Language  string `json:"language"`
	InputRef  string `json:"input_ref"`
	Priority  int    `json:"priority"`
}

func (b jobSpecBody) toSubmission() corectx.JobSubmission {
	return corectx.JobSubmission{
		ModelName: b.ModelName,
		Language:  b.Language,
		InputRef:  b.InputRef,
		Priority:  store.Priority(b.Priority),
	}
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var body jobSpecBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	jobID, err := s.Core.SubmitJob(r.Context(), principalFrom(r), body.toSubmission())
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.Core.GetJob(r.Context(), principalFrom(r), chi.URLParam(r, "jobID"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	req := corectx.ListJobsRequest{
		Limit:  parseIntDefault(r.URL.Query().Get("limit"), 50),
		Offset: parseIntDefault(r.URL.Query().Get("offset"), 0),
	}

	views, total, err := s.Core.ListJobs(r.Context(), principalFrom(r), req)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "total": total})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.Core.CancelJob(r.Context(), principalFrom(r), chi.URLParam(r, "jobID")); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type initUploadBody struct {
	DeclaredSize int64 `json:"declared_size"`
	ChunkSize    int64 `json:"chunk_size"`
}

func (s *Server) initUpload(w http.ResponseWriter, r *http.Request) {
	var body initUploadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	sessionID, chunkSize, err := s.Core.InitUpload(r.Context(), principalFrom(r), body.DeclaredSize, body.ChunkSize)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": sessionID, "chunk_size": chunkSize})
}

func (s *Server) putChunk(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed chunk index")
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read chunk body")
		return
	}

	if err := s.Core.PutChunk(r.Context(), principalFrom(r), chi.URLParam(r, "sessionID"), index, data); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sealUploadBody struct {
	jobSpecBody
	DestPath string `json:"dest_path"`
}

// sealUpload does not accept client-supplied magic bytes: the assembled
// artifact's header is checked against the server's own allow-list inside
// Core.SealUpload, a policy the client gets no say in (spec §4.2).
func (s *Server) sealUpload(w http.ResponseWriter, r *http.Request) {
	var body sealUploadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	jobID, err := s.Core.SealUpload(r.Context(), principalFrom(r), chi.URLParam(r, "sessionID"),
		body.jobSpecBody.toSubmission(), body.DestPath)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type submitBatchBody struct {
	Priority int           `json:"priority"`
	Jobs     []jobSpecBody `json:"jobs"`
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var body submitBatchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	specs := make([]corectx.JobSubmission, len(body.Jobs))
	for i, j := range body.Jobs {
		specs[i] = j.toSubmission()
	}

	batchID, err := s.Core.SubmitBatch(r.Context(), principalFrom(r), specs, store.Priority(body.Priority))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	view, err := s.Core.GetBatch(r.Context(), principalFrom(r), chi.URLParam(r, "batchID"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	view, err := s.Core.CancelBatch(r.Context(), principalFrom(r), chi.URLParam(r, "batchID"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) systemHealth(w http.ResponseWriter, r *http.Request) {
	view, err := s.Core.GetSystemHealth(r.Context(), principalFrom(r))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
