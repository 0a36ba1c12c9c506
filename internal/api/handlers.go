package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/wakala/settlement/internal/batch"
	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/ingestion"
	"github.com/wakala/settlement/internal/profile"
	"github.com/wakala/settlement/internal/repository"
	"github.com/wakala/settlement/internal/store"
	"github.com/wakala/settlement/internal/worker"
)

const maxUploadSize = 32 << 20

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	orch        *batch.Orchestrator
	dispatcher  *batch.Dispatcher
	ingestion   *ingestion.Service
	jobs        *store.JobStore
	jobRepo     *repository.JobRepo
	profileRepo *repository.ProfileRepo
	profiles    *profile.Cache
	validate    *validator.Validate
	logger      *zap.Logger
}

type calculateRequest struct {
	DealerCode string        `json:"dealer_code" validate:"required"`
	Format     string        `json:"format" validate:"omitempty,oneof=canonical external"`
	Row        domain.RawRow `json:"row" validate:"required"`
}

type batchRequest struct {
	DealerCode string              `json:"dealer_code" validate:"required"`
	Rows       []domain.RawRow     `json:"rows"`
	Options    domain.BatchOptions `json:"options"`
	Sync       bool                `json:"sync"`
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON keeps numbers as json.Number so amounts are never rounded
// through float64.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		verr *domain.ValidationError
		pnf  *domain.ProfileNotFoundError
		jef  *domain.JobExecutionFailure
	)
	switch {
	case errors.As(err, &verr), errors.Is(err, domain.ErrAllRowsInvalid):
		return http.StatusUnprocessableEntity
	case errors.As(err, &pnf),
		errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrResultNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrEmptyBatch),
		errors.Is(err, domain.ErrInvalidOptions),
		errors.Is(err, domain.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrJobAlreadyQueued), errors.Is(err, domain.ErrUploadInProgress):
		return http.StatusConflict
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &jef):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handlers) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil
		}
	}
	return &t
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func parseBool(s string) bool {
	v, _ := strconv.ParseBool(s)
	return v
}

// --- Calculate ---

func (h *Handlers) Calculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.orch.CalculateRow(r.Context(), req.DealerCode, req.Format, req.Row)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// --- SubmitBatch ---

func (h *Handlers) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Sync {
		res, err := h.dispatcher.SubmitSync(r.Context(), req.DealerCode, req.Rows, req.Options)
		var jef *domain.JobExecutionFailure
		if errors.As(err, &jef) {
			writeJSON(w, http.StatusUnprocessableEntity, domain.JobResult{
				Success:    false,
				JobID:      jef.JobID,
				DealerCode: req.DealerCode,
				Status:     domain.JobFailed,
				Error:      jef.Error(),
				Attempts:   jef.Attempts,
			})
			return
		}
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	jobID, err := h.dispatcher.Submit(r.Context(), req.DealerCode, req.Rows, req.Options)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// --- UploadBatch ---

func (h *Handlers) UploadBatch(w http.ResponseWriter, r *http.Request) {
	// Accept multipart form.
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	dealerCode := r.FormValue("dealer_code")
	if dealerCode == "" {
		writeError(w, http.StatusBadRequest, "dealer_code is required")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required: "+err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read file: "+err.Error())
		return
	}

	opts := domain.BatchOptions{
		Format:             r.FormValue("field_format"),
		ChunkSize:          parseIntDefault(r.FormValue("chunk_size"), 0),
		StopOnError:        parseBool(r.FormValue("stop_on_error")),
		IncludePerformance: parseBool(r.FormValue("include_performance")),
	}

	res, err := h.ingestion.Ingest(r.Context(), data, r.FormValue("format"), dealerCode, opts)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, res)
}

// --- ListBatches ---

func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.JobFilter{
		DealerCode: q.Get("dealer_code"),
		Status:     q.Get("status"),
		From:       parseTime(q.Get("from")),
		To:         parseTime(q.Get("to")),
		Page:       parseIntDefault(q.Get("page"), 1),
		Limit:      parseIntDefault(q.Get("limit"), 50),
	}

	jobs, total, err := h.jobRepo.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"batches": jobs,
		"total":   total,
		"page":    filter.Page,
		"limit":   filter.Limit,
	})
}

// --- GetBatchSummary ---

func (h *Handlers) GetBatchSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.jobRepo.GetSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// --- GetBatch ---

func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.jobRepo.GetByID(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// --- GetProgress ---

func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.jobs.GetProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, progress)
}

// --- GetResult ---

func (h *Handlers) GetResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.jobs.GetResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// --- Profiles ---

func (h *Handlers) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.profileRepo.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"profiles": profiles,
		"total":    len(profiles),
	})
}

func (h *Handlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.profiles.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}
