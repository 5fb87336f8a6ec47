package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
)

type submitRequest struct {
	Query          string            `json:"query"`
	Target         string            `json:"target"`
	Priority       string            `json:"priority"`
	RateLimitGroup string            `json:"rate_limit_group"`
	Category       string            `json:"category"`
	Metadata       map[string]string `json:"metadata"`
	MaxAttempts    int               `json:"max_attempts"`
	ScheduledAt    *time.Time        `json:"scheduled_at"`
}

type submitResponse struct {
	ID        string `json:"id,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

type successRequest struct {
	LatencyMS   int64 `json:"latency_ms"`
	StatusCode  int   `json:"status_code"`
	ResultCount int   `json:"result_count"`
}

type failureRequest struct {
	LatencyMS  int64                `json:"latency_ms"`
	StatusCode int                  `json:"status_code"`
	ErrorKind  governance.ErrorKind `json:"error_kind"`
	Error      string               `json:"error"`
}

func (s *Server) submitItem(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	priority, err := governance.ParsePriority(req.Priority)
	if err != nil {
		s.writeGovernanceError(w, err)
		return
	}
	sub := governance.Submission{
		Payload: governance.Payload{
			Query:          req.Query,
			Target:         req.Target,
			Category:       req.Category,
			RateLimitGroup: req.RateLimitGroup,
			Metadata:       req.Metadata,
		},
		Priority:    priority,
		MaxAttempts: req.MaxAttempts,
	}
	if req.ScheduledAt != nil {
		sub.ScheduledAt = *req.ScheduledAt
	}
	id, accepted, err := s.gov.Submit(r.Context(), sub)
	if err != nil {
		s.writeGovernanceError(w, err)
		return
	}
	if !accepted {
		s.writeJSON(w, http.StatusOK, submitResponse{Duplicate: true})
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.gov.Item(chi.URLParam(r, "id"))
	if err != nil {
		s.writeGovernanceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) cancelItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.gov.Cancel(r.Context(), id)
	if err != nil {
		s.writeGovernanceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": cancelled})
}

func (s *Server) reportSuccess(w http.ResponseWriter, r *http.Request) {
	var req successRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	status := req.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	res, err := s.gov.ReportSuccess(r.Context(), id, time.Duration(req.LatencyMS)*time.Millisecond, status, req.ResultCount)
	s.writeResolution(w, res, err)
}

func (s *Server) reportFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.gov.ReportFailure(r.Context(), chi.URLParam(r, "id"),
		time.Duration(req.LatencyMS)*time.Millisecond, req.StatusCode, req.ErrorKind, req.Error)
	s.writeResolution(w, res, err)
}

// writeResolution answers a report. An error that comes with a Resolution
// means the queue transition committed and only limiter or identity
// feedback failed; the client must not retry, so that error is logged.
func (s *Server) writeResolution(w http.ResponseWriter, res governance.Resolution, err error) {
	if err != nil && res.ItemID == "" {
		s.writeGovernanceError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("outcome feedback incomplete", zap.String("item_id", res.ItemID), zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) nextWork(w http.ResponseWriter, r *http.Request) {
	work, wait, err := s.gov.NextWork(r.Context())
	if err != nil {
		s.writeGovernanceError(w, err)
		return
	}
	if work == nil {
		if wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, work)
}

func (s *Server) queueStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gov.QueueStats())
}

func (s *Server) globalStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gov.Stats(""))
}

func (s *Server) targetStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gov.Stats(chi.URLParam(r, "target")))
}

func (s *Server) identities(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"identities": s.gov.Identities()})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
