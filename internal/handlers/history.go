package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/history"
	"github.com/Ramsey-B/fern/pkg/models"
)

// HistoryHandler handles DLQ history API requests
type HistoryHandler struct {
	service *history.Service
	logger  ectologger.Logger
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(service *history.Service, logger ectologger.Logger) *HistoryHandler {
	return &HistoryHandler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes mounts the history routes on an /api/v1 group
func (h *HistoryHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/dlq/history", h.List)
	g.GET("/dlq/history/:id", h.Get)
	g.GET("/dlq/history/:id/timeline", h.Timeline)
	g.POST("/dlq/history/:id/notes", h.UpdateNotes)
	g.GET("/dlq/export", h.Export)
	g.GET("/dlq/summary", h.Summary)
}

// UpdateNotesRequest is the body of a notes overwrite
type UpdateNotesRequest struct {
	Notes string `json:"notes"`
}

func parseQuery(c echo.Context) (history.Query, error) {
	var q history.Query
	var err error

	if q.NamespaceID, err = QueryUUID(c, "namespace_id"); err != nil {
		return q, err
	}
	if q.From, err = QueryTime(c, "from"); err != nil {
		return q, err
	}
	if q.To, err = QueryTime(c, "to"); err != nil {
		return q, err
	}
	if q.Page, err = QueryInt(c, "page"); err != nil {
		return q, err
	}
	if q.PageSize, err = QueryInt(c, "page_size"); err != nil {
		return q, err
	}
	q.EntityName = c.QueryParam("entity_name")
	if status := c.QueryParam("status"); status != "" {
		s := models.DlqStatus(status)
		q.Status = &s
	}
	if category := c.QueryParam("category"); category != "" {
		cat := models.FailureCategory(category)
		q.Category = &cat
	}
	return q, nil
}

// List returns a filtered page of records
// GET /api/v1/dlq/history
func (h *HistoryHandler) List(c echo.Context) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	page, err := h.service.List(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return SuccessResponse(c, page)
}

// Get returns a record and its replay history
// GET /api/v1/dlq/history/:id
func (h *HistoryHandler) Get(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	detail, err := h.service.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, detail)
}

// Timeline returns a record's lifecycle events
// GET /api/v1/dlq/history/:id/timeline
func (h *HistoryHandler) Timeline(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	events, err := h.service.Timeline(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, map[string]any{"record_id": id, "events": events})
}

// UpdateNotes overwrites a record's notes
// POST /api/v1/dlq/history/:id/notes
func (h *HistoryHandler) UpdateNotes(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	var req UpdateNotesRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	record, err := h.service.UpdateNotes(c.Request().Context(), id, req.Notes)
	if err != nil {
		return err
	}
	return SuccessResponse(c, record)
}

// Summary returns counts, breakdowns, and the daily trend
// GET /api/v1/dlq/summary
func (h *HistoryHandler) Summary(c echo.Context) error {
	namespaceID, err := QueryUUID(c, "namespace_id")
	if err != nil {
		return err
	}
	summary, err := h.service.Summary(c.Request().Context(), namespaceID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, summary)
}

// Export streams matching records as JSON or CSV
// GET /api/v1/dlq/export
func (h *HistoryHandler) Export(c echo.Context) error {
	ctx := c.Request().Context()

	format, err := history.ParseExportFormat(c.QueryParam("format"))
	if err != nil {
		return err
	}
	q, err := parseQuery(c)
	if err != nil {
		return err
	}

	filename := fmt.Sprintf("dlq-export-%s.%s", time.Now().UTC().Format("20060102T150405Z"), format)
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, format.ContentType())
	resp.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))

	var buf bytes.Buffer
	n, err := h.service.Export(ctx, q, format, &buf)
	if err != nil {
		resp.Header().Del(echo.HeaderContentDisposition)
		return err
	}

	h.logger.WithContext(ctx).WithField("rows", n).Debug("Exported DLQ records")
	return c.Blob(http.StatusOK, format.ContentType(), buf.Bytes())
}
