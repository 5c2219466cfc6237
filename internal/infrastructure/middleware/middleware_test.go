package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/services"
	apperrors "rtcwatch/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := services.NewTokenService("test-secret", time.Hour)
	token, _, err := tokens.IssueRelayToken("tab-1")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/tabs/:tab_id", AuthMiddleware(tokens), TabScopeMiddleware(), func(c *gin.Context) {
		tabID, _ := c.Get(ContextTabID)
		c.String(http.StatusOK, string(tabID.(domain.TabID)))
	})

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "no header", path: "/tabs/tab-1", want: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/tabs/tab-1", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "bad token", path: "/tabs/tab-1", header: "Bearer garbage", want: http.StatusUnauthorized},
		{name: "other tab", path: "/tabs/tab-2", header: "Bearer " + token, want: http.StatusForbidden},
		{name: "own tab", path: "/tabs/tab-1", header: "Bearer " + token, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestOptionalAuthMiddleware_PassesAnonymous(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := services.NewTokenService("test-secret", time.Hour)

	router := gin.New()
	router.GET("/", OptionalAuthMiddleware(tokens), func(c *gin.Context) {
		_, authenticated := c.Get(ContextTabID)
		c.JSON(http.StatusOK, gin.H{"authenticated": authenticated})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer expired-or-wrong")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"authenticated":false}`, w.Body.String())
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	router := gin.New()
	router.Use(RecoveryMiddleware(logger), ErrorHandlerMiddleware(logger))
	router.GET("/config", func(c *gin.Context) {
		_ = c.Error(apperrors.NewConfigError("API endpoint not configured"))
	})
	router.GET("/plain", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("unexpected")
	})

	tests := []struct {
		path     string
		wantCode int
		wantErr  string
		wantTag  apperrors.ErrorCode
	}{
		{path: "/config", wantCode: http.StatusPreconditionFailed, wantErr: "API endpoint not configured", wantTag: apperrors.ErrCodeConfig},
		{path: "/plain", wantCode: http.StatusInternalServerError, wantErr: "boom", wantTag: apperrors.ErrCodeInternal},
		{path: "/panic", wantCode: http.StatusInternalServerError, wantErr: "Internal server error", wantTag: apperrors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantCode, w.Code)
			var body struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
				Code    string `json:"code"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.False(t, body.Success)
			assert.Equal(t, tt.wantErr, body.Error)
			assert.Equal(t, string(tt.wantTag), body.Code)
		})
	}
}

func TestTracingMiddleware_EchoesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}
