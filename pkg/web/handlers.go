// Package web provides the HTTP API for managing flows and receiving messages.
package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/events"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

type APIHandlers struct {
	logger      *slog.Logger
	flows       *services.Flows
	automation  *services.Automation
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	validator   *validator.Validate
}

// NewAPIHandlers wires the handlers. When publisher is not nil inbound
// messages are queued on the bus for the worker instead of being executed
// in the request.
func NewAPIHandlers(
	logger *slog.Logger,
	flows *services.Flows,
	automation *services.Automation,
	p persistence.Persistence,
	publisher eventbus.EventPublisher,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		logger:      logger.With("module", "api"),
		flows:       flows,
		automation:  automation,
		persistence: p,
		publisher:   publisher,
		validator:   validator,
	}
}

// RegisterRoutes mounts the flow, message and instance endpoints.
func (h *APIHandlers) RegisterRoutes(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	t := router.Group("/tenants/:tenantId")
	t.Get("/flows", h.ListFlows)
	t.Post("/flows", h.CreateFlow)
	t.Post("/flows/validate", h.ValidateFlow)
	t.Get("/flows/:id", h.GetFlow)
	t.Put("/flows/:id", h.UpdateFlow)
	t.Delete("/flows/:id", h.DeleteFlow)
	t.Post("/flows/:id/activate", h.ActivateFlow)
	t.Post("/flows/:id/deactivate", h.DeactivateFlow)

	t.Post("/messages", h.ReceiveMessage)
	t.Get("/contacts/:contactId/instances", h.ListContactInstances)
	t.Post("/instances/:id/cancel", h.CancelInstance)
}

func (h *APIHandlers) ListFlows(c fiber.Ctx) error {
	flows, err := h.flows.List(c.Context(), c.Params("tenantId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flows)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	flow, err := h.flows.Get(c.Context(), c.Params("tenantId"), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	req, err := h.parseFlowRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	created, warnings, err := h.flows.Create(c.Context(), c.Params("tenantId"), req.Flow(c.Params("tenantId")))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(FlowResponse{Flow: created, Warnings: nonNil(warnings)})
}

func (h *APIHandlers) UpdateFlow(c fiber.Ctx) error {
	req, err := h.parseFlowRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	tenantID := c.Params("tenantId")

	updated, warnings, err := h.flows.Update(c.Context(), tenantID, c.Params("id"), req.Flow(tenantID))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(FlowResponse{Flow: updated, Warnings: nonNil(warnings)})
}

func (h *APIHandlers) ValidateFlow(c fiber.Ctx) error {
	req, err := h.parseFlowRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	report := h.flows.Validate(req.Flow(c.Params("tenantId")))

	return c.JSON(ValidationResponse{
		Valid:    report.Valid(),
		Errors:   report.ErrorMessages(),
		Warnings: nonNil(report.Warnings),
	})
}

func (h *APIHandlers) DeleteFlow(c fiber.Ctx) error {
	if err := h.flows.Delete(c.Context(), c.Params("tenantId"), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ActivateFlow(c fiber.Ctx) error {
	return h.setActive(c, true)
}

func (h *APIHandlers) DeactivateFlow(c fiber.Ctx) error {
	return h.setActive(c, false)
}

func (h *APIHandlers) setActive(c fiber.Ctx, active bool) error {
	flow, err := h.flows.SetActive(c.Context(), c.Params("tenantId"), c.Params("id"), active)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

// ReceiveMessage accepts an inbound message. Queued messages answer 202.
func (h *APIHandlers) ReceiveMessage(c fiber.Ctx) error {
	var req InboundMessageRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	tenantID := c.Params("tenantId")
	event := req.Event(tenantID, uuid.NewString(), time.Now().UTC())

	if h.publisher != nil {
		received := events.MessageReceived{
			BaseEvent: events.NewBaseEvent(events.MessageReceivedEvent, tenantID),
			Message:   *event,
		}

		if err := h.publisher.Publish(c.Context(), tenantID+"/"+event.ContactID, received); err != nil {
			h.logger.ErrorContext(c.Context(), "Failed to publish inbound message", "message_id", event.ID, "error", err)

			return internalError(c, err)
		}

		return c.Status(fiber.StatusAccepted).JSON(MessageResponse{MessageID: event.ID, Queued: true})
	}

	results, err := h.automation.HandleInbound(c.Context(), event)
	if err != nil {
		return handleServiceError(c, err)
	}

	if results == nil {
		results = []*models.ExecutionResult{}
	}

	return c.JSON(MessageResponse{MessageID: event.ID, Executions: results})
}

func (h *APIHandlers) ListContactInstances(c fiber.Ctx) error {
	instances, err := h.automation.ActiveInstances(c.Context(), c.Params("tenantId"), c.Params("contactId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instances)
}

func (h *APIHandlers) CancelInstance(c fiber.Ctx) error {
	instance, err := h.automation.CancelInstance(c.Context(), c.Params("tenantId"), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	persistenceCheck, ok := services.HealthCheck(c.Context(), h.persistence)

	status := "unhealthy"
	message := "Chatflow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "Chatflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"persistence": persistenceCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) parseFlowRequest(c fiber.Ctx) (*FlowRequest, error) {
	if err := validateFlowDocument(c.Body()); err != nil {
		return nil, err
	}

	var req FlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return nil, err
	}

	if err := h.validator.Struct(req); err != nil {
		return nil, err
	}

	return &req, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}
