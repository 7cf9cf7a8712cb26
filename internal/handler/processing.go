package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/service"
	"github.com/gameview/processing/internal/store"
	"github.com/gameview/processing/pkg/response"
)

type ProcessingHandler struct {
	submit     *service.SubmitService
	dispatcher *service.Dispatcher
	cancel     *service.CancelService
	validator  *validator.Validate
}

func NewProcessingHandler(submit *service.SubmitService, dispatcher *service.Dispatcher, cancel *service.CancelService, v *validator.Validate) *ProcessingHandler {
	return &ProcessingHandler{
		submit:     submit,
		dispatcher: dispatcher,
		cancel:     cancel,
		validator:  v,
	}
}

// Submit handles POST /api/processing/submit
func (h *ProcessingHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	result, err := h.submit.Submit(c.UserContext(), &req)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			return response.ValidationError(c, verr.Message, formatValidationErrors(verr.Err))
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Cancel handles POST /api/processing/cancel
func (h *ProcessingHandler) Cancel(c *fiber.Ctx) error {
	var req model.CancelRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.cancel.Cancel(c.UserContext(), req.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Job handles GET /api/processing/jobs/:jobId
func (h *ProcessingHandler) Job(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.submit.GetJob(c.UserContext(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, job)
}

// Dispatch handles POST /api/processing/jobs/:jobId/dispatch. It retries a
// job still waiting in Queued.
func (h *ProcessingHandler) Dispatch(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	outcome, err := h.dispatcher.Dispatch(c.UserContext(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrAlreadyDispatched):
			return response.Conflict(c, "Job is no longer queued")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, outcome)
}

func formatValidationErrors(err error) interface{} {
	return service.FormatValidationErrors(err)
}
