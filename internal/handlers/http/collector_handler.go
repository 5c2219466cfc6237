package http

import (
	"context"
	"net/http"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/infrastructure/repositories/sqlite"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BatchStore persists uploaded batches.
type BatchStore interface {
	StoreBatch(ctx context.Context, samples []domain.StatSample) (sqlite.BatchReceipt, error)
	Summary(ctx context.Context) (sqlite.SinkSummary, error)
	Ping(ctx context.Context) error
}

// CollectorHandler serves the remote side of the upload contract:
// configuration fragments, sample batches and a health probe.
type CollectorHandler struct {
	sink     BatchStore
	settings func() (*domain.SettingsFragment, error)
	logger   *zap.SugaredLogger
}

func NewCollectorHandler(sink BatchStore, settings func() (*domain.SettingsFragment, error), logger *zap.SugaredLogger) *CollectorHandler {
	return &CollectorHandler{sink: sink, settings: settings, logger: logger}
}

func (h *CollectorHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/config", h.GetConfig)
		api.POST("/stats", h.PostStats)
		api.GET("/stats/summary", h.GetSummary)
		api.GET("/health", h.Health)
		api.HEAD("/health", h.Health)
	}
}

// GetConfig serves the settings fragment monitors merge at startup. An
// unset fragment is served as an empty object.
func (h *CollectorHandler) GetConfig(c *gin.Context) {
	fragment := &domain.SettingsFragment{}
	if h.settings != nil {
		f, err := h.settings()
		if err != nil {
			h.logger.Errorw("Failed to load settings fragment", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "configuration unavailable"})
			return
		}
		if f != nil {
			fragment = f
		}
	}
	c.JSON(http.StatusOK, fragment)
}

func (h *CollectorHandler) PostStats(c *gin.Context) {
	var samples []domain.StatSample
	if err := c.ShouldBindJSON(&samples); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON array of samples"})
		return
	}

	receipt, err := h.sink.StoreBatch(c.Request.Context(), samples)
	if err != nil {
		h.logger.Errorw("Failed to store batch", "samples", len(samples), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store batch"})
		return
	}

	h.logger.Infow("Stored batch",
		"batch_id", receipt.BatchID,
		"received", receipt.Received,
		"stored", receipt.Stored,
		"remote_addr", c.ClientIP(),
	)
	c.JSON(http.StatusOK, receipt)
}

func (h *CollectorHandler) GetSummary(c *gin.Context) {
	summary, err := h.sink.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *CollectorHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.sink.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
}
