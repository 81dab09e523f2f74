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

	"github.com/outpost-ops/outpost/internal/server/command"
	"github.com/outpost-ops/outpost/internal/server/security"
	"github.com/outpost-ops/outpost/internal/server/store"
)

func setupCommandsRouter(exec Executor, st Store, tenantID string) *gin.Engine {
	r := gin.New()
	h := NewCommandsHandler(exec, st)
	g := r.Group("/api/v1", asOperator(tenantID))
	g.POST("/commands", h.Execute)
	g.GET("/commands", h.List)
	g.GET("/commands/:id", h.Get)
	g.POST("/commands/:id/cancel", h.Cancel)
	g.GET("/approvals", h.ListApprovals)
	g.POST("/approvals/:id", h.ResolveApproval)
	return r
}

func operatorPost(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req, _ := http.NewRequest("POST", path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func operatorGet(t *testing.T, r *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, _ := http.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestExecuteCommand(t *testing.T) {
	exec := &fakeExecutor{result: &command.Result{
		Command: &store.Command{ID: "cmd-1", Status: store.StatusCompleted},
		Output:  "up 3 days",
		Success: true,
	}}
	r := setupCommandsRouter(exec, newFakeStore(), "t1")

	w := operatorPost(t, r, "/api/v1/commands", gin.H{
		"target": "web-01",
		"script": "uptime",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "up 3 days")

	assert.Equal(t, "t1", exec.lastReq.TenantID)
	assert.Equal(t, "web-01", exec.lastReq.Target)
	assert.Equal(t, "uptime", exec.lastReq.Script)
	assert.Equal(t, "op@acme.test", exec.lastReq.Initiator)
}

func TestExecuteCommandMissingScript(t *testing.T) {
	exec := &fakeExecutor{}
	r := setupCommandsRouter(exec, newFakeStore(), "t1")

	w := operatorPost(t, r, "/api/v1/commands", gin.H{"target": "web-01"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteCommandBlocked(t *testing.T) {
	exec := &fakeExecutor{err: &command.BlockedError{Decision: &security.Decision{
		RiskLevel: "CRITICAL",
		Reason:    "matched destructive pattern",
	}}}
	r := setupCommandsRouter(exec, newFakeStore(), "t1")

	w := operatorPost(t, r, "/api/v1/commands", gin.H{
		"target": "web-01",
		"script": "rm -rf /",
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "blocked by security gate")
	assert.Contains(t, w.Body.String(), "CRITICAL")
}

func TestExecuteCommandPendingApproval(t *testing.T) {
	exec := &fakeExecutor{result: &command.Result{
		Command: &store.Command{ID: "cmd-1", Status: store.StatusPendingApproval},
	}}
	r := setupCommandsRouter(exec, newFakeStore(), "t1")

	w := operatorPost(t, r, "/api/v1/commands", gin.H{
		"target": "web-01",
		"script": "shutdown -r now",
	})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), store.StatusPendingApproval)
}

func TestExecuteCommandNoBeacons(t *testing.T) {
	exec := &fakeExecutor{err: command.ErrNoBeacons}
	r := setupCommandsRouter(exec, newFakeStore(), "t1")

	w := operatorPost(t, r, "/api/v1/commands", gin.H{
		"target": "@all",
		"script": "uptime",
	})

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecuteCommandEmptyScript(t *testing.T) {
	exec := &fakeExecutor{err: command.ErrEmptyScript}
	r := setupCommandsRouter(exec, newFakeStore(), "t1")

	w := operatorPost(t, r, "/api/v1/commands", gin.H{
		"target": "web-01",
		"script": "# comment only",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetCommand(t *testing.T) {
	st := newFakeStore()
	cmd := st.seedCommand(&store.Command{TenantID: "t1", BeaconID: "b-1", Commands: []string{"uptime"}})
	r := setupCommandsRouter(&fakeExecutor{}, st, "t1")

	w := operatorGet(t, r, "/api/v1/commands/"+cmd.ID)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), cmd.ID)
}

func TestGetCommandOtherTenant(t *testing.T) {
	st := newFakeStore()
	cmd := st.seedCommand(&store.Command{TenantID: "t2", BeaconID: "b-9"})
	r := setupCommandsRouter(&fakeExecutor{}, st, "t1")

	w := operatorGet(t, r, "/api/v1/commands/"+cmd.ID)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListCommands(t *testing.T) {
	st := newFakeStore()
	st.seedCommand(&store.Command{TenantID: "t1", BeaconID: "b-1", Status: store.StatusCompleted})
	st.seedCommand(&store.Command{TenantID: "t1", BeaconID: "b-1", Status: store.StatusQueued})
	st.seedCommand(&store.Command{TenantID: "t1", BeaconID: "b-2", Status: store.StatusQueued})
	st.seedCommand(&store.Command{TenantID: "t2", BeaconID: "b-9", Status: store.StatusQueued})
	r := setupCommandsRouter(&fakeExecutor{}, st, "t1")

	var resp struct {
		Count int `json:"count"`
	}

	w := operatorGet(t, r, "/api/v1/commands")
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)

	w = operatorGet(t, r, "/api/v1/commands?beacon_id=b-1")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	w = operatorGet(t, r, "/api/v1/commands?status=COMPLETED")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	w = operatorGet(t, r, "/api/v1/commands?limit=2")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestListCommandsBadLimit(t *testing.T) {
	r := setupCommandsRouter(&fakeExecutor{}, newFakeStore(), "t1")

	w := operatorGet(t, r, "/api/v1/commands?limit=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = operatorGet(t, r, "/api/v1/commands?limit=-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelCommand(t *testing.T) {
	st := newFakeStore()
	cmd := st.seedCommand(&store.Command{TenantID: "t1", BeaconID: "b-1", Status: store.StatusQueued})
	exec := &fakeExecutor{}
	r := setupCommandsRouter(exec, st, "t1")

	w := operatorPost(t, r, "/api/v1/commands/"+cmd.ID+"/cancel", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{cmd.ID}, exec.cancelled)
}

func TestCancelCommandAlreadyFinished(t *testing.T) {
	st := newFakeStore()
	cmd := st.seedCommand(&store.Command{TenantID: "t1", BeaconID: "b-1", Status: store.StatusCompleted})
	exec := &fakeExecutor{cancelErr: store.ErrConflict}
	r := setupCommandsRouter(exec, st, "t1")

	w := operatorPost(t, r, "/api/v1/commands/"+cmd.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListApprovals(t *testing.T) {
	st := newFakeStore()
	st.seedCommand(&store.Command{TenantID: "t1", BeaconID: "b-1", Status: store.StatusPendingApproval})
	st.seedCommand(&store.Command{TenantID: "t1", BeaconID: "b-2", Status: store.StatusPendingApproval})
	st.seedCommand(&store.Command{TenantID: "t1", BeaconID: "b-1", Status: store.StatusQueued})
	st.seedCommand(&store.Command{TenantID: "t2", BeaconID: "b-9", Status: store.StatusPendingApproval})
	r := setupCommandsRouter(&fakeExecutor{}, st, "t1")

	w := operatorGet(t, r, "/api/v1/approvals")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestResolveApprovalApprove(t *testing.T) {
	st := newFakeStore()
	cmd := st.seedCommand(&store.Command{TenantID: "t1", BeaconID: "b-1", Status: store.StatusPendingApproval})
	exec := &fakeExecutor{resolveCmd: &store.Command{ID: cmd.ID, TenantID: "t1", Status: store.StatusQueued}}
	r := setupCommandsRouter(exec, st, "t1")

	w := operatorPost(t, r, "/api/v1/approvals/"+cmd.ID, gin.H{"approve": true})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, exec.resolvedApprove)
	assert.Contains(t, w.Body.String(), store.StatusQueued)
}

func TestResolveApprovalReject(t *testing.T) {
	st := newFakeStore()
	cmd := st.seedCommand(&store.Command{TenantID: "t1", BeaconID: "b-1", Status: store.StatusPendingApproval})
	exec := &fakeExecutor{resolveCmd: &store.Command{ID: cmd.ID, TenantID: "t1", Status: store.StatusRejected}}
	r := setupCommandsRouter(exec, st, "t1")

	w := operatorPost(t, r, "/api/v1/approvals/"+cmd.ID, gin.H{
		"approve": false,
		"reason":  "too risky for prod hours",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, exec.resolvedApprove)
	assert.Equal(t, "too risky for prod hours", exec.resolvedReason)
}

func TestResolveApprovalMissingDecision(t *testing.T) {
	st := newFakeStore()
	cmd := st.seedCommand(&store.Command{TenantID: "t1", BeaconID: "b-1", Status: store.StatusPendingApproval})
	r := setupCommandsRouter(&fakeExecutor{}, st, "t1")

	// An absent approve field must not count as a rejection.
	w := operatorPost(t, r, "/api/v1/approvals/"+cmd.ID, gin.H{"reason": "oops"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveApprovalExpired(t *testing.T) {
	st := newFakeStore()
	cmd := st.seedCommand(&store.Command{TenantID: "t1", BeaconID: "b-1", Status: store.StatusExpired})
	exec := &fakeExecutor{resolveErr: store.ErrConflict}
	r := setupCommandsRouter(exec, st, "t1")

	w := operatorPost(t, r, "/api/v1/approvals/"+cmd.ID, gin.H{"approve": true})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResolveApprovalOtherTenant(t *testing.T) {
	st := newFakeStore()
	cmd := st.seedCommand(&store.Command{TenantID: "t2", BeaconID: "b-9", Status: store.StatusPendingApproval})
	exec := &fakeExecutor{}
	r := setupCommandsRouter(exec, st, "t1")

	w := operatorPost(t, r, "/api/v1/approvals/"+cmd.ID, gin.H{"approve": true})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
