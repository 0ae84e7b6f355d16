package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/submission-engine/internal/domain"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"github.com/kursadbilgin/submission-engine/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 100
	maxPageSize     = 1000
)

type JobService interface {
	Enqueue(ctx context.Context, req domain.JobRequest) (*service.EnqueuedJob, error)
	Progress(ctx context.Context, jobID domain.JobID) (*service.JobProgress, error)
	Orders(ctx context.Context, jobID domain.JobID, params repository.ListParams) ([]domain.OrderRecord, int64, error)
}

type JobHandler struct {
	service JobService
}

func NewJobHandler(service JobService) (*JobHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("job service is required")
	}
	return &JobHandler{service: service}, nil
}

func RegisterJobRoutes(router fiber.Router, service JobService) error {
	h, err := NewJobHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/jobs", h.CreateJob)
	v1.Get("/jobs/:jobId", h.GetJob)
	v1.Get("/jobs/:jobId/orders", h.ListOrders)

	return nil
}

type createJobRequest struct {
	Items       []string `json:"items"`
	ServiceCode string   `json:"serviceCode"`
	Label       string   `json:"label"`
}

type createJobResponse struct {
	JobID        string `json:"jobId"`
	TotalItems   int    `json:"totalItems"`
	TotalBatches int    `json:"totalBatches"`
}

type jobProgressResponse struct {
	JobID            string    `json:"jobId"`
	Label            string    `json:"label,omitempty"`
	ServiceCode      string    `json:"serviceCode"`
	State            string    `json:"state"`
	TotalBatches     int       `json:"totalBatches"`
	CompletedBatches int       `json:"completedBatches"`
	FailedBatches    int       `json:"failedBatches"`
	PendingBatches   int       `json:"pendingBatches"`
	Succeeded        int       `json:"succeeded"`
	Duplicates       int       `json:"duplicates"`
	Failed           int       `json:"failed"`
	Abandoned        bool      `json:"abandoned"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type orderResponse struct {
	ID           string    `json:"id"`
	BatchIndex   int       `json:"batchIndex"`
	Item         string    `json:"item"`
	ServiceCode  string    `json:"serviceCode"`
	TrackingID   *string   `json:"trackingId,omitempty"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	RemoteStatus *string   `json:"remoteStatus,omitempty"`
	RemoteCode   *string   `json:"remoteCode,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type listOrdersResponse struct {
	Data []orderResponse `json:"data"`
	Meta listMeta        `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *JobHandler) CreateJob(c *fiber.Ctx) error {
	var req createJobRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	job, err := h.service.Enqueue(c.Context(), domain.JobRequest{
		Items:       req.Items,
		ServiceCode: req.ServiceCode,
		Label:       req.Label,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(createJobResponse{
		JobID:        job.JobID.String(),
		TotalItems:   job.TotalItems,
		TotalBatches: job.TotalBatches,
	})
}

func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	jobID, err := domain.ParseJobID(c.Params("jobId"))
	if err != nil {
		return toHTTPError(err)
	}

	progress, err := h.service.Progress(c.Context(), jobID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(jobProgressResponse{
		JobID:            progress.JobID.String(),
		Label:            progress.Label,
		ServiceCode:      progress.ServiceCode.String(),
		State:            progress.State.String(),
		TotalBatches:     progress.TotalBatches,
		CompletedBatches: progress.CompletedBatches,
		FailedBatches:    progress.FailedBatches,
		PendingBatches:   progress.PendingBatches,
		Succeeded:        progress.Counts.Succeeded,
		Duplicates:       progress.Counts.Duplicates,
		Failed:           progress.Counts.Failed,
		Abandoned:        progress.Abandoned,
		CreatedAt:        progress.CreatedAt,
		UpdatedAt:        progress.UpdatedAt,
	})
}

func (h *JobHandler) ListOrders(c *fiber.Ctx) error {
	jobID, err := domain.ParseJobID(c.Params("jobId"))
	if err != nil {
		return toHTTPError(err)
	}

	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	orders, total, err := h.service.Orders(c.Context(), jobID, params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		data = append(data, orderResponse{
			ID:           o.ID,
			BatchIndex:   o.BatchIndex,
			Item:         o.Item.String(),
			ServiceCode:  o.ServiceCode.String(),
			TrackingID:   o.TrackingID,
			Status:       o.Status.String(),
			Reason:       o.Reason,
			RemoteStatus: o.RemoteStatus,
			RemoteCode:   o.RemoteCode,
			CreatedAt:    o.CreatedAt,
			UpdatedAt:    o.UpdatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(listOrdersResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status := domain.ItemStatus(strings.ToUpper(rawStatus))
		if !status.IsValid() {
			return repository.ListParams{}, fmt.Errorf("%w: invalid status %q", domain.ErrValidation, rawStatus)
		}
		params.Status = &status
	}

	return params, nil
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
