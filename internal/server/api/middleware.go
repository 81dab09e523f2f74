package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/internal/server/store"
	"github.com/outpost-ops/outpost/pkg/api"
)

// RequestLogger emits one structured line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			logging.KeyDuration, time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP())
	}
}

// BeaconAuth resolves the machine credential and scopes the request to
// the key's tenant.
func BeaconAuth(st Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(api.HeaderAPIKey)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			return
		}

		key, err := st.LookupAPIKey(c.Request.Context(), raw)
		if err != nil {
			if errors.Is(err, store.ErrKeyNotFound) {
				log.Warn("rejected beacon credential",
					"path", c.Request.URL.Path,
					"client_ip", c.ClientIP())
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
				return
			}
			log.Error("api key lookup failed", logging.KeyError, err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.Set(ctxTenantID, key.TenantID)
		c.Set(ctxAPIKeyID, key.ID)
		c.Next()
	}
}

// OperatorAuth accepts either a Bearer JWT or the static admin key and
// stores the operator identity on the context.
func OperatorAuth(cfg JWTConfig, adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if provided := c.GetHeader(HeaderAdminKey); provided != "" {
			if adminKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(adminKey)) != 1 {
				log.Warn("invalid admin key attempt",
					"path", c.Request.URL.Path,
					"client_ip", c.ClientIP())
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
				return
			}
			setOperator(c, "admin", "admin", DefaultTenant)
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization header"})
			return
		}

		claims, err := ValidateToken(cfg.Secret, strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		setOperator(c, claims.OperatorID, claims.Email, claims.TenantID)
		c.Next()
	}
}

// AdminKeyAuth accepts only the static admin key. Guards operator
// provisioning.
func AdminKeyAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			log.Warn("admin key not configured, rejecting request",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin API is not configured"})
			return
		}

		provided := c.GetHeader(HeaderAdminKey)
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing admin key"})
			return
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(adminKey)) != 1 {
			log.Warn("invalid admin key attempt",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}

		setOperator(c, "admin", "admin", DefaultTenant)
		c.Next()
	}
}

func setOperator(c *gin.Context, operatorID, email, tenantID string) {
	c.Set(ctxOperatorID, operatorID)
	c.Set(ctxEmail, email)
	c.Set(ctxTenantID, tenantID)
}
