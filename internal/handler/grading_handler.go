package handler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// GradingHandler exposes the auto-grading endpoints for teachers and admins.
type GradingHandler struct {
	autograde service.AutogradeService
	jobs      service.GradingJobService
	logger    zerolog.Logger
}

// NewGradingHandler constructs the handler. jobs may be nil when background grading is disabled.
func NewGradingHandler(autograde service.AutogradeService, jobs service.GradingJobService, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		autograde: autograde,
		jobs:      jobs,
		logger:    logger.With().Str("component", "grading_handler").Logger(),
	}
}

// Register attaches grading endpoints to the router group.
func (h *GradingHandler) Register(router fiber.Router) {
	router.Post("/submissions/:id/autograde", h.grade)
	router.Post("/submissions/:id/jobs", h.enqueue)
	router.Get("/jobs/:id", h.getJob)
	router.Delete("/jobs/:id", h.cancelJob)
}

func (h *GradingHandler) grade(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	result, err := h.autograde.Grade(c.UserContext(), service.GradeRequest{
		SubmissionID: id,
		Actor:        activityActorFromContext(c),
	})
	if err != nil {
		return h.gradingError(c, err, id)
	}

	return utils.SendSuccess(c, "submission graded", result)
}

func (h *GradingHandler) enqueue(c *fiber.Ctx) error {
	if h.jobs == nil {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "background grading is disabled")
	}

	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	job, err := h.jobs.Enqueue(c.UserContext(), id, activityActorFromContext(c))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSubmissionNotFound):
			return utils.SendError(c, fiber.StatusNotFound, "submission not found")
		case errors.Is(err, service.ErrGradingJobActive):
			return utils.SendError(c, fiber.StatusConflict, fmt.Sprintf("submission already has active job %s", job.ID))
		case errors.Is(err, service.ErrGradingQueueFull):
			return utils.SendError(c, fiber.StatusServiceUnavailable, err.Error())
		default:
			requestLogger(h.logger, c).Error().Err(err).Uint("submission_id", id).Msg("failed to enqueue grading job")
			return utils.SendError(c, fiber.StatusInternalServerError, "failed to enqueue grading job")
		}
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "grading job queued", job)
}

func (h *GradingHandler) getJob(c *fiber.Ctx) error {
	if h.jobs == nil {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "background grading is disabled")
	}

	id := strings.TrimSpace(c.Params("id"))
	job, err := h.jobs.Get(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, service.ErrGradingJobNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "grading job not found")
		}
		requestLogger(h.logger, c).Error().Err(err).Str("job_id", id).Msg("failed to load grading job")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load grading job")
	}

	return utils.SendSuccess(c, "grading job retrieved", job)
}

func (h *GradingHandler) cancelJob(c *fiber.Ctx) error {
	if h.jobs == nil {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "background grading is disabled")
	}

	id := strings.TrimSpace(c.Params("id"))
	job, err := h.jobs.Cancel(c.UserContext(), id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrGradingJobNotFound):
			return utils.SendError(c, fiber.StatusNotFound, "grading job not found")
		case errors.Is(err, service.ErrGradingJobFinished):
			return utils.SendError(c, fiber.StatusConflict, fmt.Sprintf("grading job already %s", job.Status))
		default:
			requestLogger(h.logger, c).Error().Err(err).Str("job_id", id).Msg("failed to cancel grading job")
			return utils.SendError(c, fiber.StatusInternalServerError, "failed to cancel grading job")
		}
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "grading job cancellation requested", job)
}

func (h *GradingHandler) gradingError(c *fiber.Ctx, err error, submissionID uint) error {
	switch {
	case errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "submission not found")
	case errors.Is(err, service.ErrSubmissionNotGradable):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, grading.ErrSubmissionBusy):
		return utils.SendError(c, fiber.StatusConflict, "submission is already being graded")
	}

	status, code := fiber.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, grading.ErrLockLost):
		status, code = fiber.StatusConflict, "lock_lost"
	case errors.Is(err, grading.ErrConfiguration):
		status, code = fiber.StatusServiceUnavailable, "misconfigured"
	case errors.Is(err, grading.ErrCancelled):
		status, code = fiber.StatusConflict, "cancelled"
	case errors.Is(err, grading.ErrAggregation):
		status, code = fiber.StatusUnprocessableEntity, "no_traits_combined"
	case errors.Is(err, grading.ErrExtraction):
		status, code = fiber.StatusBadGateway, "extraction_failed"
	case errors.Is(err, grading.ErrTraitParsing):
		status, code = fiber.StatusBadGateway, "trait_parsing_failed"
	case errors.Is(err, grading.ErrPrimaryScoring):
		status, code = fiber.StatusBadGateway, "primary_scoring_failed"
	}

	stage, ok := grading.FailedStage(err)
	if !ok && code == "lock_lost" {
		requestLogger(h.logger, c).Warn().Err(err).Uint("submission_id", submissionID).Msg("grading lock lost; result discarded")
		return utils.SendErrorWithDetails(c, status, "grading lock lost; result discarded", &utils.APIError{Code: code})
	}
	if !ok {
		requestLogger(h.logger, c).Error().Err(err).Uint("submission_id", submissionID).Msg("failed to grade submission")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to grade submission")
	}

	requestLogger(h.logger, c).Warn().
		Err(err).
		Uint("submission_id", submissionID).
		Str("stage", string(stage)).
		Int("status", status).
		Msg("auto-grading stopped")

	return utils.SendErrorWithDetails(c, status, fmt.Sprintf("grading failed at %v", err), &utils.APIError{
		Code:  code,
		Stage: string(stage),
	})
}
