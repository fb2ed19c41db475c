package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"readings-service/internal/entity"
	"readings-service/internal/service"
	"readings-service/internal/shepherd"
)

// maxBody bounds request bodies; inline payloads are base64 images.
const maxBody = 20 << 20

// ShepherdRunner triggers one scheduler pass.
type ShepherdRunner interface {
	Run(ctx context.Context, now time.Time) (shepherd.Report, error)
}

type Handler struct {
	jobSvc    *service.JobService
	shepherd  ShepherdRunner
	adminHash []byte
	log       *zap.Logger
}

// NewHandler builds the API handler. The shepherd trigger is disabled when
// runner is nil or adminTokenHash (a bcrypt hash) is empty.
func NewHandler(jobSvc *service.JobService, runner ShepherdRunner, adminTokenHash string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{jobSvc: jobSvc, shepherd: runner, adminHash: []byte(adminTokenHash), log: log}
}

type createJobDTO struct {
	ID              string `json:"id"`
	InputRef        string `json:"input_ref"`
	Fingerprint     string `json:"fingerprint"`
	ForceReanalysis bool   `json:"force_reanalysis"`
	// Payload is the base64 encoded image; optional when input_ref is set.
	Payload []byte `json:"payload,omitempty" swaggertype:"string" format:"base64"`
}

type jobResp struct {
	ID              string           `json:"id"`
	Status          entity.JobStatus `json:"status"`
	InputRef        string           `json:"input_ref,omitempty"`
	Fingerprint     string           `json:"fingerprint"`
	ForceReanalysis bool             `json:"force_reanalysis"`
	RetryCount      int              `json:"retry_count"`
	Stage           entity.Stage     `json:"stage,omitempty"`
	ResultRef       *string          `json:"result_ref,omitempty"`
	Error           *string          `json:"error,omitempty"`
	Duplicate       bool             `json:"duplicate,omitempty"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
	CompletedAt     *string          `json:"completed_at,omitempty"`
}

func toJobResp(j *entity.Job) jobResp {
	resp := jobResp{
		ID:              j.ID,
		Status:          j.Status,
		InputRef:        j.InputRef,
		Fingerprint:     j.Fingerprint,
		ForceReanalysis: j.ForceReanalysis,
		RetryCount:      j.RetryCount,
		Stage:           j.Checkpoint.Stage,
		ResultRef:       j.ResultRef,
		Error:           j.Error,
		CreatedAt:       j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       j.UpdatedAt.Format(time.RFC3339),
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

type checkFingerprintsDTO struct {
	Fingerprints []string `json:"fingerprints"`
}

// CreateJob godoc
// @Summary Enqueue an extraction job
// @Description Creates a queued job. Re-submitting the same id with the same input is a no-op (200);
// @Description a different input under an existing id is rejected (409). A fingerprint that already
// @Description has a complete result yields a job that is completed immediately.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body createJobDTO true "job (payload is base64, optional with input_ref)"
// @Success 201 {object} jobResp
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 409 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var dto createJobDTO
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	res, err := h.jobSvc.Enqueue(r.Context(), service.EnqueueRequest{
		ID:              dto.ID,
		InputRef:        dto.InputRef,
		Fingerprint:     dto.Fingerprint,
		ForceReanalysis: dto.ForceReanalysis,
		Payload:         dto.Payload,
	})
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}

	resp := toJobResp(res.Job)
	resp.Duplicate = res.Duplicate
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	writeJSON(w, code, resp)
}

// GetJob godoc
// @Summary Get job by id
// @Tags jobs
// @Produce json
// @Param id path string true "job id"
// @Success 200 {object} jobResp
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

// JobStatus godoc
// @Summary Status of one or more jobs
// @Description Answers for every id. Ids without a job fall back to their latest progress event;
// @Description ids with neither report "not_found".
// @Tags jobs
// @Produce json
// @Param ids query string true "comma separated job ids"
// @Success 200 {array} service.JobStatus
// @Failure 400 {object} apiError
// @Router /jobs/status [get]
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeErr(w, http.StatusBadRequest, "ids is required")
		return
	}
	if len(ids) > service.MaxStatusIDs {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("at most %d ids per request", service.MaxStatusIDs))
		return
	}
	writeJSON(w, http.StatusOK, h.jobSvc.Status(r.Context(), ids))
}

// CheckFingerprints godoc
// @Summary Batch dedup check
// @Description Partitions fingerprints into duplicates (complete result exists), upgrades
// @Description (incomplete result exists) and unseen. At most 500 per request.
// @Tags fingerprints
// @Accept json
// @Produce json
// @Param request body checkFingerprintsDTO true "fingerprints"
// @Success 200 {object} fingerprint.Partition
// @Failure 400 {object} apiError
// @Router /fingerprints/check [post]
func (h *Handler) CheckFingerprints(w http.ResponseWriter, r *http.Request) {
	var dto checkFingerprintsDTO
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	part, err := h.jobSvc.CheckFingerprints(r.Context(), dto.Fingerprints)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, part)
}

// GetResult godoc
// @Summary Get a canonical result
// @Tags results
// @Produce json
// @Param id path string true "result id (result_ref of a completed job)"
// @Success 200 {object} entity.Result
// @Failure 404 {object} apiError
// @Router /results/{id} [get]
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.jobSvc.GetResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RunShepherd godoc
// @Summary Trigger one shepherd pass
// @Tags shepherd
// @Produce json
// @Param Authorization header string true "Bearer admin token"
// @Success 200 {object} shepherd.Report
// @Failure 401 {object} apiError
// @Failure 403 {object} apiError
// @Failure 500 {object} apiError
// @Router /shepherd/run [post]
func (h *Handler) RunShepherd(w http.ResponseWriter, r *http.Request) {
	if h.shepherd == nil || len(h.adminHash) == 0 {
		writeErr(w, http.StatusForbidden, "shepherd trigger disabled")
		return
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || bcrypt.CompareHashAndPassword(h.adminHash, []byte(token)) != nil {
		writeErr(w, http.StatusUnauthorized, "invalid admin token")
		return
	}

	rep, err := h.shepherd.Run(r.Context(), time.Now().UTC())
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ShepherdState godoc
// @Summary Breaker state
// @Tags shepherd
// @Produce json
// @Success 200 {object} entity.ShepherdState
// @Failure 500 {object} apiError
// @Router /shepherd/state [get]
func (h *Handler) ShepherdState(w http.ResponseWriter, r *http.Request) {
	st, err := h.jobSvc.ShepherdState(r.Context())
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) writeServiceErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, entity.ErrInvalidInput):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, entity.ErrConflict):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, entity.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not found")
	default:
		h.log.Error("http: request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}
