package api

import (
	"errors"
	"net/http"
	"path"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/internal/server/artifact"
	"github.com/outpost-ops/outpost/internal/server/store"
	"github.com/outpost-ops/outpost/pkg/api"
)

// BeaconHandler serves the machine-facing endpoints: registration,
// check-in polling, result reporting and update checks.
type BeaconHandler struct {
	store     Store
	artifacts artifact.Store
	local     *artifact.LocalStore
	opts      Options
}

// NewBeaconHandler wires the beacon endpoints. local may be nil when an
// external object store serves downloads directly.
func NewBeaconHandler(st Store, artifacts artifact.Store, local *artifact.LocalStore, opts Options) *BeaconHandler {
	opts.fillDefaults()
	return &BeaconHandler{store: st, artifacts: artifacts, local: local, opts: opts}
}

func (h *BeaconHandler) Register(c *gin.Context) {
	var req api.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OSInfo.Hostname == "" {
		req.OSInfo.Hostname = req.Hostname
	}
	if req.OSInfo.Hostname == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hostname is required"})
		return
	}

	beacon, err := h.store.RegisterBeacon(c.Request.Context(), c.GetString(ctxTenantID), req.OSInfo)
	if err != nil {
		log.Error("beacon registration failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register beacon"})
		return
	}

	log.Info("beacon registered",
		logging.KeyBeaconID, beacon.ID,
		"hostname", beacon.Hostname,
		"os_type", beacon.OSType)
	c.JSON(http.StatusOK, api.RegisterResponse{
		IntegrationID: beacon.ID,
		PollInterval:  h.opts.PollInterval,
	})
}

// Checkin refreshes liveness and host metadata and hands out pending
// work. The upsert keeps check-ins working even when the server never
// saw this hostname register, so a wiped database heals itself.
func (h *BeaconHandler) Checkin(c *gin.Context) {
	var req api.CheckinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OSInfo.Hostname == "" {
		req.OSInfo.Hostname = req.Hostname
	}
	if req.OSInfo.Hostname == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hostname is required"})
		return
	}

	ctx := c.Request.Context()
	beacon, err := h.store.RegisterBeacon(ctx, c.GetString(ctxTenantID), req.OSInfo)
	if err != nil {
		log.Error("check-in failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "check-in failed"})
		return
	}

	cmds, err := h.store.HandoutPending(ctx, beacon.ID)
	if err != nil {
		log.Error("command handout failed", logging.KeyBeaconID, beacon.ID, logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "check-in failed"})
		return
	}

	pending := make([]api.PendingCommand, 0, len(cmds))
	for _, cmd := range cmds {
		pending = append(pending, api.PendingCommand{
			ID:             cmd.ID,
			Commands:       cmd.Commands,
			TimeoutSeconds: cmd.TimeoutSeconds,
		})
	}
	if len(pending) > 0 {
		log.Info("handing out commands", logging.KeyBeaconID, beacon.ID, "count", len(pending))
	}

	c.JSON(http.StatusOK, api.CheckinResponse{
		PollInterval:    h.opts.PollInterval,
		PendingCommands: pending,
	})
}

func (h *BeaconHandler) Result(c *gin.Context) {
	var req api.ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.CommandID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command_id is required"})
		return
	}

	cmd, err := h.store.RecordResult(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, store.ErrCommandNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown command"})
			return
		}
		log.Error("failed to record result", logging.KeyCommandID, req.CommandID, logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record result"})
		return
	}

	if cmd.ResultLate {
		log.Warn("result arrived after terminal status, recorded without transition",
			logging.KeyCommandID, cmd.ID,
			"status", cmd.Status,
			"exit_code", req.ExitCode)
	} else {
		log.Info("result recorded",
			logging.KeyCommandID, cmd.ID,
			"status", cmd.Status,
			"exit_code", req.ExitCode)
	}
	c.JSON(http.StatusOK, gin.H{"status": cmd.Status})
}

// LatestUpdate reports the newest published build for the caller's
// platform, with a download URL that needs no further credential.
func (h *BeaconHandler) LatestUpdate(c *gin.Context) {
	platform := c.Query("platform")
	arch := c.Query("arch")
	if platform == "" || arch == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "platform and arch are required"})
		return
	}

	v, err := h.store.LatestVersion(c.Request.Context(), platform, arch)
	if err != nil {
		if errors.Is(err, store.ErrNoVersion) {
			c.Status(http.StatusNoContent)
			return
		}
		log.Error("version lookup failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "version lookup failed"})
		return
	}

	url, err := h.artifacts.PresignGet(c.Request.Context(), v.StorageKey, h.opts.PresignTTL)
	if err != nil {
		log.Error("presign failed", "storage_key", v.StorageKey, logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not build download link"})
		return
	}

	c.JSON(http.StatusOK, api.UpdateInfo{
		Version:  v.Version,
		URL:      url,
		Checksum: v.Checksum,
	})
}

// Download streams a locally stored artifact. The HMAC-signed query
// parameters are the credential; the route carries no API key.
func (h *BeaconHandler) Download(c *gin.Context) {
	key := c.Query("key")
	sig := c.Query("sig")
	exp, err := strconv.ParseInt(c.Query("exp"), 10, 64)
	if key == "" || sig == "" || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed download link"})
		return
	}

	if err := h.local.VerifySignature(key, exp, sig); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired download link"})
		return
	}

	rc, err := h.local.Open(c.Request.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, artifact.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
		case errors.Is(err, artifact.ErrInvalidKey):
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed download link"})
		default:
			log.Error("artifact open failed", "key", key, logging.KeyError, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "download failed"})
		}
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, -1, "application/octet-stream", rc, map[string]string{
		"Content-Disposition": `attachment; filename="` + path.Base(key) + `"`,
	})
}
