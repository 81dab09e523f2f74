package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/internal/server/store"
)

// AuthHandler issues operator tokens and provisions operator accounts.
type AuthHandler struct {
	store Store
	jwt   JWTConfig
}

func NewAuthHandler(st Store, jwt JWTConfig) *AuthHandler {
	return &AuthHandler{store: st, jwt: jwt}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	op, err := h.store.GetOperatorByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if errors.Is(err, store.ErrOperatorNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error("operator lookup failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if !CheckPassword(req.Password, op.PasswordHash) {
		log.Warn("failed login attempt", "email", req.Email, "client_ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := GenerateToken(h.jwt, op.ID, op.TenantID, op.Email)
	if err != nil {
		log.Error("token generation failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, loginResponse{Token: token})
}

type createOperatorRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	TenantID string `json:"tenant_id"`
}

func (h *AuthHandler) CreateOperator(c *gin.Context) {
	var req createOperatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenant := req.TenantID
	if tenant == "" {
		tenant = DefaultTenant
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		log.Error("password hashing failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create operator"})
		return
	}

	op, err := h.store.CreateOperator(c.Request.Context(), tenant, req.Email, hash)
	if err != nil {
		if errors.Is(err, store.ErrOperatorExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
			return
		}
		log.Error("operator creation failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create operator"})
		return
	}

	log.Info("operator created", "email", op.Email, logging.KeyTenantID, op.TenantID)
	c.JSON(http.StatusCreated, op)
}
