package http

import (
	"errors"
	"net/http"
	"strconv"

	"rtcwatch/internal/app"
	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/ports"
	"rtcwatch/internal/core/services"
	apperrors "rtcwatch/pkg/errors"
	"rtcwatch/pkg/export"
	"rtcwatch/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const DefaultRecentLimit = 10

// MonitorHandler exposes the monitor's interactive actions. Every response
// carries a success flag; failures either set error in the body or go
// through the error middleware as AppErrors.
type MonitorHandler struct {
	app      *app.App
	exporter *export.Exporter
	tokens   services.TokenService
	logger   *zap.SugaredLogger
}

var _ ports.HTTPHandler = (*MonitorHandler)(nil)

func NewMonitorHandler(
	application *app.App,
	exporter *export.Exporter,
	tokens services.TokenService,
	logger *zap.SugaredLogger,
) *MonitorHandler {
	return &MonitorHandler{
		app:      application,
		exporter: exporter,
		tokens:   tokens,
		logger:   logger,
	}
}

// SetupRoutes registers the control API. tabGuards run in front of the
// per-tab capture actions.
func (h *MonitorHandler) SetupRoutes(router *gin.Engine, tabGuards ...gin.HandlerFunc) {
	api := router.Group("/api/v1")
	{
		api.GET("/stats", h.GetStats)
		api.DELETE("/stats", h.ClearData)
		api.GET("/statistics", h.GetStatistics)
		api.POST("/dump", h.DumpStatsNow)
		api.POST("/upload", h.UploadNow)
		api.POST("/export", h.ExportData)
		api.POST("/test-endpoint", h.TestEndpoint)
		api.POST("/test-connection", h.TestConnection)
		api.GET("/settings", h.GetSettings)
		api.PUT("/settings", h.UpdateSettings)
		api.POST("/reload", h.Reload)
		api.POST("/tabs/:tab_id/token", h.IssueRelayToken)

		tabs := api.Group("/tabs/:tab_id", tabGuards...)
		{
			tabs.POST("/debugger-dump", h.DebuggerDumpNow)
			tabs.POST("/auto-capture", h.ToggleAutoCapture)
		}
	}
}

// ready initializes the application on first use.
func (h *MonitorHandler) ready(c *gin.Context) bool {
	if err := h.app.Init(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return false
	}
	return true
}

func tabParam(c *gin.Context) (domain.TabID, bool) {
	tab := c.Param("tab_id")
	if err := validation.ValidateTabID(tab); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.TabID(tab), true
}

func (h *MonitorHandler) GetStats(c *gin.Context) {
	if !h.ready(c) {
		return
	}

	limit := DefaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err == nil {
			err = validation.ValidateRecentLimit(n)
		}
		if err != nil {
			_ = c.Error(apperrors.NewInvalidInputError("invalid limit"))
			return
		}
		limit = n
	}

	stats, err := h.app.Store().GetRecentStats(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

func (h *MonitorHandler) GetStatistics(c *gin.Context) {
	if !h.ready(c) {
		return
	}

	summary, err := h.app.Store().GetStatistics(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "statistics": summary})
}

func (h *MonitorHandler) DumpStatsNow(c *gin.Context) {
	if !h.ready(c) {
		return
	}

	outcomes := []domain.ScanOutcome{}
	if acq := h.app.Acquisition(); acq != nil {
		outcomes = acq.DumpStatsNow(c.Request.Context())
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "results": outcomes})
}

func (h *MonitorHandler) DebuggerDumpNow(c *gin.Context) {
	tabID, ok := tabParam(c)
	if !ok || !h.ready(c) {
		return
	}

	acq := h.app.Acquisition()
	if acq == nil {
		c.JSON(http.StatusOK, domain.CaptureResult{Error: services.ErrDebuggerNotEnabled})
		return
	}
	c.JSON(http.StatusOK, acq.DebuggerDumpNow(c.Request.Context(), tabID))
}

func (h *MonitorHandler) ToggleAutoCapture(c *gin.Context) {
	tabID, ok := tabParam(c)
	if !ok || !h.ready(c) {
		return
	}

	acq := h.app.Acquisition()
	if acq == nil {
		_ = c.Error(apperrors.NewServiceUnavailableError(services.ErrDebuggerNotEnabled))
		return
	}
	enabled, err := acq.ToggleAutoCapture(c.Request.Context(), tabID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "enabled": enabled, "tabId": tabID})
}

func (h *MonitorHandler) UploadNow(c *gin.Context) {
	if !h.ready(c) {
		return
	}

	uploads := h.app.Uploads()
	if uploads == nil {
		_ = c.Error(apperrors.NewServiceUnavailableError("uploads are not configured"))
		return
	}
	n, err := uploads.UploadNow(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "uploaded": n})
}

func (h *MonitorHandler) TestEndpoint(c *gin.Context) {
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("url is required"))
		return
	}
	if err := validation.ValidateEndpoint(req.URL); err != nil {
		c.JSON(http.StatusOK, domain.EndpointCheck{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.app.Collector().TestEndpoint(c.Request.Context(), req.URL))
}

func (h *MonitorHandler) TestConnection(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	c.JSON(http.StatusOK, h.app.Collector().TestConnection(c.Request.Context()))
}

func (h *MonitorHandler) ExportData(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	if h.exporter == nil {
		_ = c.Error(apperrors.NewServiceUnavailableError("export storage is not configured"))
		return
	}

	ctx := c.Request.Context()
	samples, err := h.app.Store().GetAll(ctx)
	if err != nil {
		_ = c.Error(err)
		return
	}

	name, err := h.exporter.Export(ctx, samples, len(samples))
	if errors.Is(err, export.ErrNothingToExport) {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err != nil {
		_ = c.Error(apperrors.NewInternalError(err.Error()))
		return
	}

	h.logger.Infow("Exported samples", "file", name, "count", len(samples))
	c.JSON(http.StatusOK, gin.H{"success": true, "file": name, "count": len(samples)})
}

func (h *MonitorHandler) ClearData(c *gin.Context) {
	if !h.ready(c) {
		return
	}

	removed, err := h.app.Store().ClearAll(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.logger.Infow("Cleared samples", "count", removed)
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": removed})
}

func (h *MonitorHandler) GetSettings(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "settings": h.app.Settings()})
}

// UpdateSettings merges the fields present in the body over the current
// settings.
func (h *MonitorHandler) UpdateSettings(c *gin.Context) {
	if !h.ready(c) {
		return
	}

	var fragment domain.SettingsFragment
	if err := c.ShouldBindJSON(&fragment); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("invalid settings document"))
		return
	}

	settings := h.app.Settings().Merge(fragment)
	if err := h.app.UpdateSettings(c.Request.Context(), settings); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "settings": h.app.Settings()})
}

func (h *MonitorHandler) Reload(c *gin.Context) {
	if err := h.app.Reload(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "state": h.app.State().String()})
}

// IssueRelayToken hands out the token a page relay presents to the ingest
// endpoint.
func (h *MonitorHandler) IssueRelayToken(c *gin.Context) {
	tabID, ok := tabParam(c)
	if !ok {
		return
	}

	token, claims, err := h.tokens.IssueRelayToken(tabID)
	if err != nil {
		_ = c.Error(apperrors.NewUnauthorizedError(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"token":     token,
		"relayId":   claims.RelayID,
		"expiresAt": claims.ExpiresAt.Time,
	})
}
