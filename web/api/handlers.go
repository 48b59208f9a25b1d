package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/observer"
	"github.com/hochfrequenz/recommendation-implementer/internal/orchestrator"
	"github.com/hochfrequenz/recommendation-implementer/internal/recordstore"
)

const defaultListLimit = 100

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Total      int              `json:"total"`
	Pending    int              `json:"pending"`
	Processing int              `json:"processing"`
	Completed  int              `json:"completed"`
	Failed     int              `json:"failed"`
	Cancelled  int              `json:"cancelled"`
	Stuck      []string         `json:"stuck,omitempty"`
	Metrics    observer.Metrics `json:"metrics"`
}

// SubmitRequest is the body of POST /api/requests
type SubmitRequest struct {
	RepoURL     string         `json:"repoUrl"`
	ProjectName string         `json:"projectName,omitempty"`
	Request     domain.Request `json:"request"`
	CreatePR    *bool          `json:"createPr,omitempty"`
	Deploy      *bool          `json:"deploy,omitempty"`
}

// SubmitBatch is the body of POST /api/batches
type SubmitBatch struct {
	RepoURL     string           `json:"repoUrl"`
	ProjectName string           `json:"projectName,omitempty"`
	Requests    []domain.Request `json:"requests"`
	CreatePR    *bool            `json:"createPr,omitempty"`
	Deploy      *bool            `json:"deploy,omitempty"`
}

func (s *Server) options(createPR, deploy *bool) orchestrator.Options {
	opts := s.defaults
	if createPR != nil {
		opts.CreatePR = *createPR
	}
	if deploy != nil {
		opts.Deploy = *deploy
	}
	return opts
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := s.store.ListRecords(1000)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var status StatusResponse
		status.Total = len(records)
		for _, rec := range records {
			switch rec.Status {
			case domain.StatusPending:
				status.Pending++
			case domain.StatusProcessing:
				status.Processing++
				if s.observer != nil && s.observer.IsStuck(rec, s.now()) {
					status.Stuck = append(status.Stuck, rec.ID)
				}
			case domain.StatusCompleted:
				status.Completed++
			case domain.StatusFailed:
				status.Failed++
			case domain.StatusCancelled:
				status.Cancelled++
			}
		}
		if s.observer != nil {
			status.Metrics = s.observer.GetMetrics()
		}

		writeJSON(w, status)
	}
}

func (s *Server) listRecordsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var records []*domain.Record
		var err error
		switch {
		case q.Get("batch") != "":
			records, err = s.store.FindByBatch(q.Get("batch"))
		case q.Get("repo") != "":
			records, err = s.store.FindByRepo(q.Get("repo"))
		default:
			limit := defaultListLimit
			if v := q.Get("limit"); v != "" {
				if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
					writeError(w, http.StatusBadRequest, "invalid limit")
					return
				}
			}
			records, err = s.store.ListRecords(limit)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if records == nil {
			records = []*domain.Record{}
		}

		writeJSON(w, records)
	}
}

func (s *Server) getRecordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.store.GetRecord(r.PathValue("id"))
		if errors.Is(err, recordstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, rec)
	}
}

func (s *Server) cancelRecordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.runner == nil {
			writeError(w, http.StatusServiceUnavailable, "runner not available")
			return
		}

		id := r.PathValue("id")
		err := s.runner.Cancel(r.Context(), id)
		switch {
		case errors.Is(err, recordstore.ErrNotFound):
			writeError(w, http.StatusNotFound, "record not found")
		case errors.Is(err, orchestrator.ErrNotCancellable):
			writeError(w, http.StatusConflict, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(w, map[string]string{"status": "cancelled"})
		}
	}
}

func (s *Server) submitRequestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.runner == nil {
			writeError(w, http.StatusServiceUnavailable, "runner not available")
			return
		}

		var body SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if body.RepoURL == "" {
			writeError(w, http.StatusBadRequest, "repoUrl is required")
			return
		}
		if !validProjectName(w, body.ProjectName) {
			return
		}
		if err := body.Request.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		target := orchestrator.Target{RepoURL: body.RepoURL, ProjectName: body.ProjectName}
		opts := s.options(body.CreatePR, body.Deploy)
		opts.RecordID = uuid.NewString()
		go func() {
			out := s.runner.RunSingle(s.runCtx, target, body.Request, opts)
			s.logger.Info("request finished", zap.String("record", out.RecordID), zap.Bool("success", out.Success))
		}()

		writeJSONStatus(w, http.StatusAccepted, map[string]string{
			"status":    "accepted",
			"requestId": body.Request.ID,
			"recordId":  opts.RecordID,
		})
	}
}

func (s *Server) submitBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.runner == nil {
			writeError(w, http.StatusServiceUnavailable, "runner not available")
			return
		}

		var body SubmitBatch
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if body.RepoURL == "" || len(body.Requests) == 0 {
			writeError(w, http.StatusBadRequest, "repoUrl and requests are required")
			return
		}
		if !validProjectName(w, body.ProjectName) {
			return
		}

		target := orchestrator.Target{RepoURL: body.RepoURL, ProjectName: body.ProjectName}
		opts := s.options(body.CreatePR, body.Deploy)
		opts.BatchID = uuid.NewString()
		go func() {
			out := s.runner.RunBatch(s.runCtx, target, body.Requests, opts)
			s.logger.Info("batch finished", zap.String("batch", out.BatchID), zap.Int("succeeded", out.Succeeded), zap.Int("failed", out.Failed))
		}()

		writeJSONStatus(w, http.StatusAccepted, map[string]any{
			"status":  "accepted",
			"batchId": opts.BatchID,
			"items":   len(body.Requests),
		})
	}
}

// validProjectName writes a 400 for an explicit name that is not a single
// directory name. An empty name is derived from the repository later.
func validProjectName(w http.ResponseWriter, name string) bool {
	if name == "" {
		return true
	}
	if err := domain.ValidateProjectName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
