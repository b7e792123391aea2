package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/monitors/webhook"
	"github.com/dukex/stepflow/pkg/services"
)

func (h *APIHandlers) GetTriggers(c fiber.Ctx) error {
	triggers, err := h.triggerService.ListTriggers(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"triggers": triggers})
}

func (h *APIHandlers) GetTrigger(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Trigger ID is required")
	}

	trigger, err := h.triggerService.GetTrigger(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(trigger)
}

func (h *APIHandlers) CreateTrigger(c fiber.Ctx) error {
	var req CreateTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	trigger := &models.WorkflowTrigger{
		WorkflowID: req.WorkflowID,
		Kind:       req.Kind,
		Name:       req.Name,
		Config:     req.Config,
	}

	created, err := h.triggerService.CreateTrigger(c.Context(), trigger)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateTrigger(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Trigger ID is required")
	}

	var req UpdateTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.triggerService.UpdateTrigger(c.Context(), id, &models.WorkflowTrigger{
		Name:   req.Name,
		Config: req.Config,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteTrigger(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Trigger ID is required")
	}

	if err := h.engineRegistry.StopMonitor(c.Context(), id); err != nil {
		h.logger.WarnContext(c.Context(), "Failed to stop monitor before delete", "error", err, "trigger_id", id)
	}

	if err := h.triggerService.DeleteTrigger(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// ActivateTrigger marks the trigger active and brings up its monitor.
func (h *APIHandlers) ActivateTrigger(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Trigger ID is required")
	}

	trigger, err := h.triggerService.SetActive(c.Context(), id, true)
	if err != nil {
		return handleServiceError(c, err)
	}

	if trigger.Kind != models.TriggerKindManual {
		if err := h.engineRegistry.StartMonitor(c.Context(), id); err != nil {
			return handleEngineError(c, err)
		}
	}

	return c.JSON(trigger)
}

// DeactivateTrigger marks the trigger inactive and tears down its monitor.
func (h *APIHandlers) DeactivateTrigger(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Trigger ID is required")
	}

	trigger, err := h.triggerService.SetActive(c.Context(), id, false)
	if err != nil {
		return handleServiceError(c, err)
	}

	if err := h.engineRegistry.StopMonitor(c.Context(), id); err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(trigger)
}

func (h *APIHandlers) GetTriggerEvents(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Trigger ID is required")
	}

	if _, err := h.triggerService.GetTrigger(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	triggerEvents, err := h.triggerService.ListTriggerEvents(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"events": triggerEvents})
}

// FireTrigger fires a manual trigger through the uniform firing protocol.
func (h *APIHandlers) FireTrigger(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Trigger ID is required")
	}

	trigger, err := h.triggerService.GetTrigger(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if trigger.Kind != models.TriggerKindManual {
		return badRequest(c, "Only manual triggers can be fired directly")
	}

	if !trigger.Active {
		return handleServiceError(c, services.ErrTriggerInactive)
	}

	var req StartExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	execution, err := h.engineRegistry.FireSync(c.Context(), trigger, req.Input, "")
	if err != nil {
		return handleEngineError(c, err)
	}

	go h.runDetached(execution.ID)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":      true,
		"message":      "Execution started",
		"execution_id": execution.ID,
	})
}

// WebhookDelivery receives an inbound webhook, runs it through the trigger's
// gate, and fires on acceptance. The dedup key comes from the delivery id
// header when the sender provides one.
func (h *APIHandlers) WebhookDelivery(c fiber.Ctx) error {
	id := c.Params("triggerId")
	if id == "" {
		return badRequest(c, "Trigger ID is required")
	}

	trigger, err := h.triggerService.GetTrigger(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if trigger.Kind != models.TriggerKindWebhook {
		return notFound(c, "Trigger does not accept webhook deliveries")
	}

	if !trigger.Active {
		return handleServiceError(c, services.ErrTriggerInactive)
	}

	gate, err := webhook.NewGate(trigger.Config)
	if err != nil {
		return internalError(c, err)
	}

	delivery := webhook.Delivery{
		RemoteIP: c.IP(),
		Headers: map[string]string{
			webhook.TokenHeader:     c.Get(webhook.TokenHeader),
			webhook.SignatureHeader: c.Get(webhook.SignatureHeader),
		},
		Body: c.Body(),
	}

	payload, err := gate.Admit(delivery)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrUnauthorized):
			return unauthorized(c, err.Error())
		case errors.Is(err, webhook.ErrForbiddenIP):
			return unauthorized(c, err.Error())
		case errors.Is(err, webhook.ErrInvalidPayload):
			return badRequest(c, err.Error())
		default:
			return internalError(c, err)
		}
	}

	dedupKey := ""
	if deliveryID := c.Get("X-Delivery-ID"); deliveryID != "" {
		dedupKey = "webhook:" + id + ":" + deliveryID
	}

	execution, err := h.engineRegistry.FireSync(c.Context(), trigger, payload, dedupKey)
	if err != nil {
		return handleEngineError(c, err)
	}

	if execution == nil {
		return c.JSON(fiber.Map{
			"success": true,
			"message": "Duplicate delivery ignored",
		})
	}

	go h.runDetached(execution.ID)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":      true,
		"message":      "Execution started",
		"execution_id": execution.ID,
	})
}
