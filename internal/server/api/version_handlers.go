package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/internal/server/artifact"
	"github.com/outpost-ops/outpost/internal/server/store"
)

// VersionsHandler publishes beacon builds to the artifact store and
// records them for update checks.
type VersionsHandler struct {
	store     Store
	artifacts artifact.Store
}

func NewVersionsHandler(st Store, artifacts artifact.Store) *VersionsHandler {
	return &VersionsHandler{store: st, artifacts: artifacts}
}

// Publish takes a multipart form with version/platform/arch fields and
// the build under "binary". The sha256 computed during upload becomes
// the checksum beacons verify after download.
func (h *VersionsHandler) Publish(c *gin.Context) {
	version, err := store.NormalizeVersion(c.PostForm("version"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	platform := c.PostForm("platform")
	arch := c.PostForm("arch")
	if platform == "" || arch == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "platform and arch are required"})
		return
	}

	file, _, err := c.Request.FormFile("binary")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "binary file is required"})
		return
	}
	defer file.Close()

	key := fmt.Sprintf("beacon/%s/%s-%s/outpost-beacon", version, platform, arch)
	checksum, size, err := h.artifacts.Put(c.Request.Context(), key, file)
	if err != nil {
		log.Error("artifact upload failed", "key", key, logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "artifact upload failed"})
		return
	}

	v := &store.BeaconVersion{
		Version:    version,
		Platform:   platform,
		Arch:       arch,
		StorageKey: key,
		Checksum:   checksum,
		SizeBytes:  size,
	}
	if err := h.store.PublishVersion(c.Request.Context(), v); err != nil {
		if errors.Is(err, store.ErrBadVersion) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error("version publish failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "version publish failed"})
		return
	}

	log.Info("beacon build published",
		"version", v.Version,
		"platform", platform,
		"arch", arch,
		"size_bytes", size)
	c.JSON(http.StatusCreated, v)
}

func (h *VersionsHandler) List(c *gin.Context) {
	versions, err := h.store.ListVersions(c.Request.Context())
	if err != nil {
		log.Error("version listing failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if versions == nil {
		versions = []*store.BeaconVersion{}
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions, "count": len(versions)})
}
