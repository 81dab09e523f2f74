package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/internal/server/command"
	"github.com/outpost-ops/outpost/internal/server/store"
)

// CommandsHandler submits operator commands and exposes the command
// history and the approval queue.
type CommandsHandler struct {
	exec  Executor
	store Store
}

func NewCommandsHandler(exec Executor, st Store) *CommandsHandler {
	return &CommandsHandler{exec: exec, store: st}
}

type executeRequest struct {
	Target         string `json:"target"`
	Script         string `json:"script" binding:"required"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	FireAndForget  bool   `json:"fire_and_forget"`
}

func (h *CommandsHandler) Execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.exec.Execute(c.Request.Context(), command.Request{
		TenantID:       c.GetString(ctxTenantID),
		Target:         req.Target,
		Script:         req.Script,
		TimeoutSeconds: req.TimeoutSeconds,
		FireAndForget:  req.FireAndForget,
		Initiator:      c.GetString(ctxEmail),
	})
	if err != nil {
		var blocked *command.BlockedError
		switch {
		case errors.As(err, &blocked):
			c.JSON(http.StatusForbidden, gin.H{
				"error":    blocked.Error(),
				"decision": blocked.Decision,
			})
		case errors.Is(err, command.ErrEmptyScript):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, command.ErrNoBeacons), errors.Is(err, store.ErrBeaconNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no matching beacon"})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "wait for result interrupted"})
		default:
			log.Error("command execution failed", logging.KeyError, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "command execution failed"})
		}
		return
	}

	if res.Command != nil && res.Command.Status == store.StatusPendingApproval {
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *CommandsHandler) Get(c *gin.Context) {
	cmd, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (h *CommandsHandler) List(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	cmds, err := h.store.ListCommands(c.Request.Context(), c.GetString(ctxTenantID),
		c.Query("beacon_id"), c.Query("status"), limit)
	if err != nil {
		log.Error("command listing failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if cmds == nil {
		cmds = []*store.Command{}
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds, "count": len(cmds)})
}

// Cancel is orchestrator-side bookkeeping: the command stops being
// eligible for handout, but a beacon already executing it runs to
// completion and its result is recorded as late.
func (h *CommandsHandler) Cancel(c *gin.Context) {
	cmd, ok := h.lookup(c)
	if !ok {
		return
	}

	if err := h.exec.Cancel(c.Request.Context(), cmd.ID); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "command already finished"})
		case errors.Is(err, store.ErrCommandNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "command not found"})
		default:
			log.Error("cancel failed", logging.KeyCommandID, cmd.ID, logging.KeyError, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
		}
		return
	}

	updated, err := h.store.GetCommand(c.Request.Context(), cmd.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *CommandsHandler) ListApprovals(c *gin.Context) {
	cmds, err := h.store.PendingApprovals(c.Request.Context(), c.GetString(ctxTenantID))
	if err != nil {
		log.Error("approval listing failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if cmds == nil {
		cmds = []*store.Command{}
	}
	c.JSON(http.StatusOK, gin.H{"approvals": cmds, "count": len(cmds)})
}

type approvalRequest struct {
	// Approve is a pointer so an absent field fails validation instead
	// of silently counting as a rejection.
	Approve *bool  `json:"approve" binding:"required"`
	Reason  string `json:"reason"`
}

func (h *CommandsHandler) ResolveApproval(c *gin.Context) {
	cmd, ok := h.lookup(c)
	if !ok {
		return
	}

	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resolved, err := h.exec.ResolveApproval(c.Request.Context(), cmd.ID, *req.Approve, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "approval already resolved or expired"})
		case errors.Is(err, store.ErrCommandNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "command not found"})
		default:
			log.Error("approval resolution failed", logging.KeyCommandID, cmd.ID, logging.KeyError, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "approval resolution failed"})
		}
		return
	}

	log.Info("approval resolved",
		logging.KeyCommandID, cmd.ID,
		"approved", *req.Approve,
		"resolved_by", c.GetString(ctxEmail))
	c.JSON(http.StatusOK, resolved)
}

// lookup resolves the :id parameter. Commands of other tenants answer
// 404 so the namespace does not leak.
func (h *CommandsHandler) lookup(c *gin.Context) (*store.Command, bool) {
	cmd, err := h.store.GetCommand(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrCommandNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "command not found"})
			return nil, false
		}
		log.Error("command lookup failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, false
	}
	if cmd.TenantID != c.GetString(ctxTenantID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "command not found"})
		return nil, false
	}
	return cmd, true
}
