package handlers

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	rulesvc "github.com/Ramsey-B/fern/internal/services/rules"
)

// RulesHandler handles auto-replay rule API requests
type RulesHandler struct {
	service *rulesvc.Service
	logger  ectologger.Logger
}

// NewRulesHandler creates a new rules handler
func NewRulesHandler(service *rulesvc.Service, logger ectologger.Logger) *RulesHandler {
	return &RulesHandler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes mounts the rule routes on an /api/v1 group
func (h *RulesHandler) RegisterRoutes(g *echo.Group) {
	rules := g.Group("/dlq/rules")
	rules.GET("", h.List)
	rules.POST("", h.Create)
	rules.GET("/templates", h.Templates)
	rules.POST("/test", h.Test)
	rules.GET("/:id", h.Get)
	rules.PUT("/:id", h.Update)
	rules.DELETE("/:id", h.Delete)
	rules.POST("/:id/toggle", h.Toggle)
	rules.POST("/:id/replay-all", h.ReplayAll)
}

// List returns every rule
// GET /api/v1/dlq/rules
func (h *RulesHandler) List(c echo.Context) error {
	rules, err := h.service.List(c.Request().Context())
	if err != nil {
		return err
	}
	return SuccessResponse(c, map[string]any{"items": rules, "count": len(rules)})
}

// Create creates a rule
// POST /api/v1/dlq/rules
func (h *RulesHandler) Create(c echo.Context) error {
	var req rulesvc.RuleRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	rule, err := h.service.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return CreatedResponse(c, rule)
}

// Get returns a rule
// GET /api/v1/dlq/rules/:id
func (h *RulesHandler) Get(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	rule, err := h.service.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, rule)
}

// Update replaces a rule's definition
// PUT /api/v1/dlq/rules/:id
func (h *RulesHandler) Update(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	var req rulesvc.RuleRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	rule, err := h.service.Update(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return SuccessResponse(c, rule)
}

// Delete removes a rule
// DELETE /api/v1/dlq/rules/:id
func (h *RulesHandler) Delete(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.service.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return NoContentResponse(c)
}

// Toggle flips a rule's enabled flag
// POST /api/v1/dlq/rules/:id/toggle
func (h *RulesHandler) Toggle(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	rule, err := h.service.Toggle(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, rule)
}

// Test dry-runs conditions against Active records
// POST /api/v1/dlq/rules/test
func (h *RulesHandler) Test(c echo.Context) error {
	var req rulesvc.TestRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	result, err := h.service.Test(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return SuccessResponse(c, result)
}

// ReplayAll replays every Active record matching a rule
// POST /api/v1/dlq/rules/:id/replay-all
func (h *RulesHandler) ReplayAll(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	result, err := h.service.ReplayAll(ctx, id)
	if err != nil {
		if result != nil && ctx.Err() != nil {
			h.logger.WithContext(ctx).WithError(err).Warn("Replay-all cancelled by client")
		}
		return err
	}
	return SuccessResponse(c, result)
}

// Templates returns the built-in rule templates
// GET /api/v1/dlq/rules/templates
func (h *RulesHandler) Templates(c echo.Context) error {
	templates, err := h.service.Templates()
	if err != nil {
		return err
	}
	return SuccessResponse(c, map[string]any{"templates": templates})
}
