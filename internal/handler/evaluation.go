package handler

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/evalpanel/api/internal/model"
	"github.com/evalpanel/api/internal/service"
	"github.com/evalpanel/api/internal/store"
	"github.com/evalpanel/api/pkg/response"
)

// deckForm is the validated shape of a deck submission.
type deckForm struct {
	Filename string `validate:"required,max=255"`
	MIMEType string `validate:"required,oneof=application/pdf application/vnd.ms-powerpoint application/vnd.openxmlformats-officedocument.presentationml.presentation"`
}

// EvaluationHandler serves the evaluation job endpoints
type EvaluationHandler struct {
	service  *service.EvaluationService
	validate *validator.Validate
}

// NewEvaluationHandler creates a new evaluation handler
func NewEvaluationHandler(svc *service.EvaluationService) *EvaluationHandler {
	return &EvaluationHandler{
		service:  svc,
		validate: validator.New(),
	}
}

// Submit handles POST /api/evaluations: accept a deck and start the
// three-persona pipeline.
func (h *EvaluationHandler) Submit(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("deck_file")
	if err != nil {
		return response.ValidationError(c, "deck_file is required", nil)
	}

	form := deckForm{
		Filename: fileHeader.Filename,
		MIMEType: fileHeader.Header.Get("Content-Type"),
	}
	if err := h.validate.Struct(form); err != nil {
		return response.ValidationError(c, "Invalid deck file", formatValidationErrors(err))
	}

	f, err := fileHeader.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to read uploaded file")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return response.ServiceError(c, "Failed to read uploaded file")
	}
	if len(data) == 0 {
		return response.ValidationError(c, "deck_file is empty", nil)
	}

	flags := model.JobFlags{
		SkipSupervision: c.FormValue("skip_supervision") == "true",
		SkipTTS:         c.FormValue("skip_tts") == "true",
		SkipTTV:         c.FormValue("skip_ttv") == "true",
	}

	result, err := h.service.SubmitJob(c.Context(), &service.SubmitJobRequest{
		Filename: form.Filename,
		MIMEType: form.MIMEType,
		Data:     data,
		Flags:    flags,
	})
	if err != nil {
		log.Printf("Job submission failed: %v", err)
		return response.ServiceError(c, "Failed to start evaluation")
	}

	return response.Accepted(c, result)
}

// Get handles GET /api/evaluations/:jobId
func (h *EvaluationHandler) Get(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "jobId is required", nil)
	}

	snapshot, err := h.service.GetJob(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Evaluation not found")
		}
		log.Printf("Job %s lookup failed: %v", jobID, err)
		return response.ServiceError(c, "Failed to load evaluation")
	}

	return response.OK(c, snapshot)
}

// Recover handles POST /api/evaluations/:jobId/recover: re-drive failed or
// wedged pathways without repeating completed work.
func (h *EvaluationHandler) Recover(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "jobId is required", nil)
	}

	result, err := h.service.RecoverJob(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Evaluation not found")
		}
		log.Printf("Job %s recovery failed: %v", jobID, err)
		return response.ServiceError(c, "Failed to recover evaluation")
	}

	return response.OK(c, result)
}

// formatValidationErrors converts validator errors to a readable map
func formatValidationErrors(err error) map[string]string {
	errs := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, e := range validationErrors {
			errs[e.Field()] = fmt.Sprintf("failed on '%s' validation", e.Tag())
		}
	}
	return errs
}
