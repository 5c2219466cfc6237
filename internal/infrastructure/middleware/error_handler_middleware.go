package middleware

import (
	"net/http"

	"rtcwatch/pkg/errors"
	"rtcwatch/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last handler error in the shape every
// control API action uses: {success: false, error, code}.
func ErrorHandlerMiddleware(base *zap.SugaredLogger) gin.HandlerFunc {
	cl := logger.NewContextLogger(base.Desugar())

	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		log := cl.Sugar(c.Request.Context())

		if appErr := errors.GetAppError(err); appErr != nil {
			log.Warnw("Request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
			)

			c.JSON(appErr.HTTPStatus, gin.H{
				"success": false,
				"error":   appErr.Message,
				"code":    string(appErr.Code),
				"details": appErr.Context,
			})
			return
		}

		log.Errorw("Unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    string(errors.ErrCodeInternal),
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("Panic recovered",
					"panic", rec,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"error":   "Internal server error",
					"code":    string(errors.ErrCodeInternal),
				})
			}
		}()

		c.Next()
	}
}
