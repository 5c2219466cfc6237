package middleware

import (
	"net/http"
	"strings"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/services"

	"github.com/gin-gonic/gin"
)

const (
	ContextTabID   = "tab_id"
	ContextRelayID = "relay_id"
)

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a valid relay token and stores the tab it was
// issued for in the gin context.
func AuthMiddleware(tokens services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := tokens.ValidateRelayToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ContextTabID, claims.TabID)
		c.Set(ContextRelayID, claims.RelayID)
		c.Next()
	}
}

func OptionalAuthMiddleware(tokens services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := tokens.ValidateRelayToken(token); err == nil {
				c.Set(ContextTabID, claims.TabID)
				c.Set(ContextRelayID, claims.RelayID)
			}
		}
		c.Next()
	}
}

// TabScopeMiddleware rejects requests whose :tab_id differs from the tab in
// the caller's token. It must run after AuthMiddleware.
func TabScopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tabVal, exists := c.Get(ContextTabID)
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		tabID, ok := tabVal.(domain.TabID)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token context"})
			return
		}

		requested := domain.TabID(c.Param("tab_id"))
		if requested == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tab_id required"})
			return
		}
		if requested != tabID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token is not valid for this tab"})
			return
		}

		c.Next()
	}
}
