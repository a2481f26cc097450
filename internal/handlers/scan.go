package handlers

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/scanner"
)

// ScanHandler triggers on-demand namespace scans
type ScanHandler struct {
	scanner scanner.NamespaceScanner
	logger  ectologger.Logger
}

// NewScanHandler creates a new scan handler
func NewScanHandler(s scanner.NamespaceScanner, logger ectologger.Logger) *ScanHandler {
	return &ScanHandler{
		scanner: s,
		logger:  logger,
	}
}

// RegisterRoutes mounts the scan route on an /api/v1 group
func (h *ScanHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/dlq/scan/:namespace_id", h.Scan)
}

type ScanResponse struct {
	NamespaceID string `json:"namespace_id"`
	NewRecords  int    `json:"new_records"`
}

// Scan runs one scan of a namespace
// POST /api/v1/dlq/scan/:namespace_id
func (h *ScanHandler) Scan(c echo.Context) error {
	ctx := c.Request().Context()
	namespaceID, err := ParseUUID(c, "namespace_id")
	if err != nil {
		return err
	}

	n, err := h.scanner.ScanNamespace(ctx, namespaceID)
	if err != nil {
		if errors.Is(err, scanner.ErrScanInProgress) {
			return httperror.NewHTTPError(http.StatusConflict, err.Error())
		}
		if httperror.IsHTTPError(err) {
			return err
		}
		h.logger.WithContext(ctx).WithError(err).WithField("namespace_id", namespaceID).Warn("On-demand scan failed")
		return httperror.NewHTTPErrorf(http.StatusBadGateway, "scan of namespace %s failed: %v", namespaceID, err)
	}

	return SuccessResponse(c, ScanResponse{NamespaceID: namespaceID.String(), NewRecords: n})
}
