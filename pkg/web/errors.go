package web

import (
	"errors"

	"github.com/dukex/chatflow/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// ValidationProblem is a 400 problem carrying the validator report of a flow.
type ValidationProblem struct {
	*problems.Problem

	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings,omitempty"`
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps service layer errors to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	var flowErr *services.FlowValidationError

	switch {
	case errors.As(err, &flowErr):
		problem := ValidationProblem{
			Problem: problems.NewStatusProblem(400).
				WithInstance(c.Path()).
				WithType("invalid_flow").
				WithDetail(services.ErrInvalidFlow.Error()),
			Errors:   flowErr.Report.ErrorMessages(),
			Warnings: flowErr.Report.Warnings,
		}

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case errors.Is(err, services.ErrFlowNotFound):
		return notFound(c, "flow_not_found", "flow not found")

	case errors.Is(err, services.ErrInstanceNotFound):
		return notFound(c, "instance_not_found", "instance not found")

	case services.IsConflictError(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	default:
		return internalError(c, err)
	}
}
