package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/internal/server/store"
)

// BeaconsHandler is the operator's view of the fleet.
type BeaconsHandler struct {
	store    Store
	presence Presence
	opts     Options
}

func NewBeaconsHandler(st Store, presence Presence, opts Options) *BeaconsHandler {
	opts.fillDefaults()
	return &BeaconsHandler{store: st, presence: presence, opts: opts}
}

// beaconView decorates a stored beacon with derived liveness. Online is
// never persisted; a live push connection or a fresh check-in counts.
type beaconView struct {
	*store.Beacon
	Online bool `json:"online"`
}

func (h *BeaconsHandler) view(b *store.Beacon) beaconView {
	online := h.presence.IsConnected(b.ID) || time.Since(b.LastSeen) <= h.opts.OnlineWindow
	return beaconView{Beacon: b, Online: online}
}

func (h *BeaconsHandler) List(c *gin.Context) {
	beacons, err := h.store.ListBeacons(c.Request.Context(), c.GetString(ctxTenantID))
	if err != nil {
		log.Error("beacon listing failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	views := make([]beaconView, 0, len(beacons))
	for _, b := range beacons {
		views = append(views, h.view(b))
	}
	c.JSON(http.StatusOK, gin.H{"beacons": views, "count": len(views)})
}

func (h *BeaconsHandler) Get(c *gin.Context) {
	b, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.view(b))
}

func (h *BeaconsHandler) UpdatePolicy(c *gin.Context) {
	b, ok := h.lookup(c)
	if !ok {
		return
	}

	var p store.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.UpdateBeaconPolicy(c.Request.Context(), b.ID, p); err != nil {
		log.Error("policy update failed", logging.KeyBeaconID, b.ID, logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy update failed"})
		return
	}

	log.Info("beacon policy updated",
		logging.KeyBeaconID, b.ID,
		"yolo_mode", p.YoloMode,
		"sentinel_protected", p.SentinelProtected,
		"allowed_commands", len(p.AllowedCommands))

	updated, err := h.store.GetBeacon(c.Request.Context(), b.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, h.view(updated))
}

// lookup resolves the :id parameter. Beacons of other tenants answer
// 404 so the namespace does not leak.
func (h *BeaconsHandler) lookup(c *gin.Context) (*store.Beacon, bool) {
	b, err := h.store.GetBeacon(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrBeaconNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "beacon not found"})
			return nil, false
		}
		log.Error("beacon lookup failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, false
	}
	if b.TenantID != c.GetString(ctxTenantID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "beacon not found"})
		return nil, false
	}
	return b, true
}
