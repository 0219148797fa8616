package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/backfill"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/store"
)

const (
	maxBulkRanges = 100
)

// StatusReader is the read side of the store the handler reports from.
type StatusReader interface {
	CountByStatus(ctx context.Context, pipeline model.Pipeline) (map[model.Status]int64, error)
	BlockProgressByHash(ctx context.Context, hash string) (*model.BlockProgress, error)
}

// RangeEnqueuer hands block ranges to the distributed importer.
type RangeEnqueuer interface {
	Enqueue(ctx context.Context, from, to uint64) (int, error)
}

// RequeueFunc rebuilds the claim queues from the store of record.
type RequeueFunc func(ctx context.Context) (map[model.Stage]int, error)

type Handler struct {
	log      logrus.FieldLogger
	status   StatusReader
	backfill RangeEnqueuer
	requeue  RequeueFunc
}

// NewHandler creates the admin handler. backfill and requeue may be nil, in
// which case their routes answer 503.
func NewHandler(log logrus.FieldLogger, status StatusReader, enqueuer RangeEnqueuer, requeue RequeueFunc) *Handler {
	return &Handler{
		log:      log.WithField("component", "api"),
		status:   status,
		backfill: enqueuer,
		requeue:  requeue,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/status", h.allStatus)
	mux.HandleFunc("GET /api/v1/status/{pipeline}", h.pipelineStatus)
	mux.HandleFunc("GET /api/v1/blocks/{hash}", h.blockProgress)
	mux.HandleFunc("POST /api/v1/backfill/{from}/{to}", h.enqueueRange)
	mux.HandleFunc("POST /api/v1/backfill", h.enqueueRanges)
	mux.HandleFunc("POST /api/v1/requeue", h.requeueStages)
}

type StatusResponse struct {
	Pipelines map[model.Pipeline]map[model.Status]int64 `json:"pipelines"`
}

type RangeRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

type RangeResult struct {
	From     uint64 `json:"from"`
	To       uint64 `json:"to"`
	Status   string `json:"status"`
	Enqueued int    `json:"enqueued,omitempty"`
	Error    string `json:"error,omitempty"`
}

type BulkRangesRequest struct {
	Ranges []RangeRequest `json:"ranges"`
}

type BulkRangesResponse struct {
	Status  string `json:"status"`
	Summary struct {
		Total    int `json:"total"`
		Queued   int `json:"queued"`
		Failed   int `json:"failed"`
		Enqueued int `json:"enqueued"`
	} `json:"summary"`
	Results []RangeResult `json:"results"`
}

type RequeueResponse struct {
	Status string         `json:"status"`
	Stages map[string]int `json:"stages"`
}

type ErrorResponse struct {
	Error    string `json:"error"`
	Pipeline string `json:"pipeline,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

func (h *Handler) allStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Pipelines: make(map[model.Pipeline]map[model.Status]int64)}

	for _, p := range model.Pipelines() {
		counts, err := h.status.CountByStatus(r.Context(), p)
		if err != nil {
			h.log.WithError(err).WithField("pipeline", p).Error("Failed to count statuses")
			h.writeError(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to count statuses", Pipeline: string(p)})

			return
		}

		resp.Pipelines[p] = counts
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) pipelineStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("pipeline")

	p, err := model.ParsePipeline(name)
	if err != nil {
		h.writeError(w, http.StatusNotFound, ErrorResponse{Error: "pipeline not found", Pipeline: name})

		return
	}

	counts, err := h.status.CountByStatus(r.Context(), p)
	if err != nil {
		h.log.WithError(err).WithField("pipeline", p).Error("Failed to count statuses")
		h.writeError(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to count statuses", Pipeline: name})

		return
	}

	h.writeJSON(w, http.StatusOK, StatusResponse{Pipelines: map[model.Pipeline]map[model.Status]int64{p: counts}})
}

func (h *Handler) blockProgress(w http.ResponseWriter, r *http.Request) {
	hash := model.NormalizeHex(r.PathValue("hash"))

	progress, err := h.status.BlockProgressByHash(r.Context(), hash)

	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, ErrorResponse{Error: "block not found", Hash: hash})

		return
	case err != nil:
		h.log.WithError(err).WithField("hash", hash).Error("Failed to read block progress")
		h.writeError(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to read block progress", Hash: hash})

		return
	}

	h.writeJSON(w, http.StatusOK, progress)
}

func (h *Handler) enqueueRange(w http.ResponseWriter, r *http.Request) {
	if h.backfill == nil {
		h.writeError(w, http.StatusServiceUnavailable, ErrorResponse{Error: "distributed backfill is disabled"})

		return
	}

	from, err := strconv.ParseUint(r.PathValue("from"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid from block number format"})

		return
	}

	to, err := strconv.ParseUint(r.PathValue("to"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid to block number format"})

		return
	}

	result := h.enqueue(r.Context(), RangeRequest{From: from, To: to})

	switch {
	case result.Status == "queued":
		h.writeJSON(w, http.StatusAccepted, result)
	case result.Status == "invalid":
		h.writeJSON(w, http.StatusBadRequest, result)
	default:
		h.writeJSON(w, http.StatusInternalServerError, result)
	}
}

func (h *Handler) enqueueRanges(w http.ResponseWriter, r *http.Request) {
	if h.backfill == nil {
		h.writeError(w, http.StatusServiceUnavailable, ErrorResponse{Error: "distributed backfill is disabled"})

		return
	}

	var req BulkRangesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})

		return
	}

	if len(req.Ranges) == 0 {
		h.writeError(w, http.StatusBadRequest, ErrorResponse{Error: "no ranges provided"})

		return
	}

	if len(req.Ranges) > maxBulkRanges {
		h.writeError(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: fmt.Sprintf("too many ranges (limit: %d)", maxBulkRanges)})

		return
	}

	resp := BulkRangesResponse{Results: make([]RangeResult, 0, len(req.Ranges))}
	resp.Summary.Total = len(req.Ranges)

	for _, rr := range req.Ranges {
		result := h.enqueue(r.Context(), rr)
		resp.Results = append(resp.Results, result)

		if result.Status == "queued" {
			resp.Summary.Queued++
			resp.Summary.Enqueued += result.Enqueued
		} else {
			resp.Summary.Failed++
		}
	}

	switch {
	case resp.Summary.Failed > 0 && resp.Summary.Queued > 0:
		resp.Status = "partial"
		h.writeJSON(w, http.StatusMultiStatus, resp)
	case resp.Summary.Failed > 0:
		resp.Status = "failed"
		h.writeJSON(w, http.StatusBadRequest, resp)
	default:
		resp.Status = "queued"
		h.writeJSON(w, http.StatusAccepted, resp)
	}
}

func (h *Handler) enqueue(ctx context.Context, req RangeRequest) RangeResult {
	result := RangeResult{From: req.From, To: req.To}

	n, err := h.backfill.Enqueue(ctx, req.From, req.To)

	switch {
	case errors.Is(err, backfill.ErrInvalidRange):
		result.Status = "invalid"
		result.Error = err.Error()
	case err != nil:
		h.log.WithError(err).WithFields(logrus.Fields{"from": req.From, "to": req.To}).Error("Failed to enqueue block range")

		result.Status = "failed"
		result.Error = err.Error()
	default:
		result.Status = "queued"
		result.Enqueued = n
	}

	return result
}

func (h *Handler) requeueStages(w http.ResponseWriter, r *http.Request) {
	if h.requeue == nil {
		h.writeError(w, http.StatusServiceUnavailable, ErrorResponse{Error: "requeue requires the queue claimer backend"})

		return
	}

	counts, err := h.requeue(r.Context())
	if err != nil {
		h.log.WithError(err).Error("Failed to requeue stages")
		h.writeError(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to requeue stages"})

		return
	}

	resp := RequeueResponse{Status: "requeued", Stages: make(map[string]int, len(counts))}
	for stage, n := range counts {
		resp.Stages[stage.String()] = n
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.WithError(err).Error("failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	h.writeJSON(w, status, resp)
}
