package web

import (
	"context"

	"github.com/gofiber/fiber/v3"

	"github.com/dukex/stepflow/pkg/engine"
	"github.com/dukex/stepflow/pkg/models"
)

// StartExecution starts an execution of the workflow's published version and
// drives it in the background.
func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	workflowID := c.Params("id")
	if workflowID == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req StartExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	execution, err := h.engine.StartExecution(c.Context(), workflowID, req.Input, engine.StartOptions{
		Actor: req.Actor,
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	go h.runDetached(execution.ID)

	return c.Status(fiber.StatusAccepted).JSON(execution)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.engine.Status(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(execution)
}

// GetExecutionSteps returns the append-only step activation history.
func (h *APIHandlers) GetExecutionSteps(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	if _, err := h.engine.Status(c.Context(), id); err != nil {
		return handleEngineError(c, err)
	}

	steps, err := h.engine.StepHistory(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"steps": steps})
}

func (h *APIHandlers) PauseExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	req := commandRequest(c)

	if err := h.engine.Pause(c.Context(), id, req.Actor); err != nil {
		return handleEngineError(c, err)
	}

	execution, err := h.engine.Status(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	req := commandRequest(c)

	if err := h.engine.Resume(c.Context(), id, req.Actor); err != nil {
		return handleEngineError(c, err)
	}

	go h.runDetached(id)

	execution, err := h.engine.Status(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	req := commandRequest(c)

	if err := h.engine.Cancel(c.Context(), id, req.Actor); err != nil {
		return handleEngineError(c, err)
	}

	execution, err := h.engine.Status(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(execution)
}

// ResumeStep feeds external input into a suspended step, identified by its
// resume token.
func (h *APIHandlers) ResumeStep(c fiber.Ctx) error {
	var req ResumeStepRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.engine.ResumeStep(c.Context(), req.ResumeToken, req.Input, req.Actor)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(execution)
}

// ResumeExecutionStep resumes a suspended step addressed by execution and
// step ID instead of its resume token.
func (h *APIHandlers) ResumeExecutionStep(c fiber.Ctx) error {
	id := c.Params("id")
	stepID := c.Params("stepId")

	if id == "" || stepID == "" {
		return badRequest(c, "Execution ID and step ID are required")
	}

	var req ResumeStepInputRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	rows, err := h.engine.StepHistory(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	var token string

	for _, row := range rows {
		if row.StepID == stepID && row.Status == models.StepStatusSuspended {
			token = row.ResumeToken
		}
	}

	if token == "" {
		return notFound(c, "No suspended step "+stepID+" in execution "+id)
	}

	execution, err := h.engine.ResumeStep(c.Context(), token, req.Input, req.Actor)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(execution)
}

// runDetached advances an execution outside the request lifecycle.
func (h *APIHandlers) runDetached(executionID string) {
	ctx := context.Background()

	if err := h.engine.Run(ctx, executionID); err != nil {
		h.logger.ErrorContext(ctx, "Background execution run failed",
			"error", err,
			"execution_id", executionID,
		)
	}
}

func commandRequest(c fiber.Ctx) ExecutionCommandRequest {
	var req ExecutionCommandRequest
	if len(c.Body()) > 0 {
		_ = c.Bind().JSON(&req)
	}

	return req
}
