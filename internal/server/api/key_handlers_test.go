package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-ops/outpost/internal/server/store"
)

func setupKeysRouter(h *KeysHandler, tenantID string) *gin.Engine {
	r := gin.New()
	g := r.Group("/api/v1", asOperator(tenantID))
	g.POST("/keys", h.Create)
	g.GET("/keys", h.List)
	g.DELETE("/keys/:id", h.Revoke)
	return r
}

func TestCreateKey(t *testing.T) {
	st := newFakeStore()
	h := NewKeysHandler(st)
	r := setupKeysRouter(h, "t1")

	body, _ := json.Marshal(gin.H{"name": "ci-fleet"})
	req, _ := http.NewRequest("POST", "/api/v1/keys", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)

	var resp createKeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Key)
	assert.Equal(t, "ci-fleet", resp.Info.Name)
	assert.Equal(t, "t1", resp.Info.TenantID)

	// The returned raw key must authenticate.
	key, err := st.LookupAPIKey(t.Context(), resp.Key)
	require.NoError(t, err)
	assert.Equal(t, resp.Info.ID, key.ID)
}

func TestCreateKeyMissingName(t *testing.T) {
	h := NewKeysHandler(newFakeStore())
	r := setupKeysRouter(h, "t1")

	req, _ := http.NewRequest("POST", "/api/v1/keys", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListKeys(t *testing.T) {
	st := newFakeStore()
	st.seedKey("opk_one", "t1")
	st.seedKey("opk_two", "t1")
	st.seedKey("opk_other", "t2")
	h := NewKeysHandler(st)
	r := setupKeysRouter(h, "t1")

	req, _ := http.NewRequest("GET", "/api/v1/keys", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Keys  []*store.APIKey `json:"keys"`
		Count int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestRevokeKey(t *testing.T) {
	st := newFakeStore()
	key := st.seedKey("opk_doomed", "t1")
	h := NewKeysHandler(st)
	r := setupKeysRouter(h, "t1")

	req, _ := http.NewRequest("DELETE", "/api/v1/keys/"+key.ID, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	_, err := st.LookupAPIKey(t.Context(), "opk_doomed")
	assert.ErrorIs(t, err, store.ErrKeyNotFound)
}

func TestRevokeKeyOtherTenant(t *testing.T) {
	st := newFakeStore()
	key := st.seedKey("opk_theirs", "t2")
	h := NewKeysHandler(st)
	r := setupKeysRouter(h, "t1")

	req, _ := http.NewRequest("DELETE", "/api/v1/keys/"+key.ID, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)

	// The other tenant's key still works.
	_, err := st.LookupAPIKey(t.Context(), "opk_theirs")
	assert.NoError(t, err)
}

func TestRevokeKeyUnknown(t *testing.T) {
	h := NewKeysHandler(newFakeStore())
	r := setupKeysRouter(h, "t1")

	req, _ := http.NewRequest("DELETE", "/api/v1/keys/ghost", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
