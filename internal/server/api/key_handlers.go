package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/internal/server/store"
)

// KeysHandler manages machine credentials for the operator's tenant.
type KeysHandler struct {
	store Store
}

func NewKeysHandler(st Store) *KeysHandler {
	return &KeysHandler{store: st}
}

type createKeyRequest struct {
	Name string `json:"name" binding:"required"`
}

// createKeyResponse carries the raw key. It is shown exactly once; only
// a digest survives server side.
type createKeyResponse struct {
	Key  string        `json:"key"`
	Info *store.APIKey `json:"info"`
}

func (h *KeysHandler) Create(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	raw, key, err := h.store.CreateAPIKey(c.Request.Context(), c.GetString(ctxTenantID), req.Name)
	if err != nil {
		log.Error("api key creation failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create api key"})
		return
	}

	log.Info("api key created", "name", key.Name, logging.KeyTenantID, key.TenantID)
	c.JSON(http.StatusCreated, createKeyResponse{Key: raw, Info: key})
}

func (h *KeysHandler) List(c *gin.Context) {
	keys, err := h.store.ListAPIKeys(c.Request.Context(), c.GetString(ctxTenantID))
	if err != nil {
		log.Error("api key listing failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if keys == nil {
		keys = []*store.APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

func (h *KeysHandler) Revoke(c *gin.Context) {
	keyID := c.Param("id")
	err := h.store.RevokeAPIKey(c.Request.Context(), c.GetString(ctxTenantID), keyID)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
			return
		}
		log.Error("api key revocation failed", "key_id", keyID, logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	log.Info("api key revoked", "key_id", keyID)
	c.JSON(http.StatusOK, gin.H{"message": "api key revoked"})
}
