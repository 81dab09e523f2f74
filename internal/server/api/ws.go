package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/internal/server/hub"
	"github.com/outpost-ops/outpost/internal/server/store"
	"github.com/outpost-ops/outpost/pkg/api"
)

const (
	// wsAuthWait bounds how long a fresh socket may sit silent before
	// the mandatory auth frame.
	wsAuthWait  = 10 * time.Second
	wsWriteWait = 10 * time.Second
	// wsMaxMessageSize leaves room for a result carrying the full 1MB
	// stdout and stderr captures plus envelope overhead.
	wsMaxMessageSize = 4 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Beacons are not browsers; there is no origin to check.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSHandler runs the push transport: upgrade, first-frame auth, hub
// registration, then a read loop that lives as long as the socket.
type WSHandler struct {
	store Store
	hub   *hub.Hub
	opts  Options
}

func NewWSHandler(st Store, h *hub.Hub, opts Options) *WSHandler {
	opts.fillDefaults()
	return &WSHandler{store: st, hub: h, opts: opts}
}

func (h *WSHandler) Serve(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		log.Warn("websocket upgrade failed", "client_ip", c.ClientIP(), logging.KeyError, err)
		return
	}

	beacon, err := h.handshake(c.Request.Context(), ws)
	if err != nil {
		log.Warn("websocket auth failed", "client_ip", c.ClientIP(), logging.KeyError, err)
		ws.Close()
		return
	}

	conn := h.hub.Register(beacon.ID, ws)
	defer h.hub.Deregister(conn)

	h.readLoop(c.Request.Context(), ws, beacon)
}

// handshake enforces the first-frame auth contract. The auth payload
// carries hostname and OS metadata so an unknown host registers
// implicitly, exactly like an HTTP register call.
func (h *WSHandler) handshake(ctx context.Context, ws *websocket.Conn) (*store.Beacon, error) {
	ws.SetReadLimit(wsMaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(wsAuthWait))

	var env api.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		return nil, fmt.Errorf("read auth frame: %w", err)
	}
	if env.Type != api.MsgAuth {
		h.reject(ws, "first message must be auth")
		return nil, fmt.Errorf("first message was %q", env.Type)
	}

	var auth api.AuthPayload
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		h.reject(ws, "malformed auth payload")
		return nil, fmt.Errorf("decode auth payload: %w", err)
	}

	key, err := h.store.LookupAPIKey(ctx, auth.APIKey)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			h.reject(ws, "invalid API key")
			return nil, errors.New("invalid api key")
		}
		h.reject(ws, "server error")
		return nil, fmt.Errorf("api key lookup: %w", err)
	}

	if auth.OSInfo.Hostname == "" {
		auth.OSInfo.Hostname = auth.Hostname
	}
	if auth.OSInfo.Hostname == "" {
		h.reject(ws, "hostname is required")
		return nil, errors.New("auth payload missing hostname")
	}

	beacon, err := h.store.RegisterBeacon(ctx, key.TenantID, auth.OSInfo)
	if err != nil {
		h.reject(ws, "server error")
		return nil, fmt.Errorf("register beacon: %w", err)
	}

	// Reply before the hub's writer pump takes over so the welcome is
	// guaranteed to beat any queued push.
	welcome, err := api.NewEnvelope(api.MsgAuthSuccess, api.AuthSuccessPayload{
		IntegrationID: beacon.ID,
		PollInterval:  h.opts.PollInterval,
	})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := ws.WriteJSON(welcome); err != nil {
		return nil, fmt.Errorf("send auth_success: %w", err)
	}
	return beacon, nil
}

// reject answers a failed handshake. The hub has not seen this socket
// yet, so writing directly is safe.
func (h *WSHandler) reject(ws *websocket.Conn, reason string) {
	env, err := api.NewEnvelope(api.MsgAuthFailure, api.AuthFailurePayload{Reason: reason})
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = ws.WriteJSON(env)
}

func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, beacon *store.Beacon) {
	blog := logging.WithBeacon(log, beacon.ID)

	ws.SetReadDeadline(time.Now().Add(hub.PongWait))
	ws.SetPongHandler(func(string) error {
		h.hub.Touch(beacon.ID)
		return ws.SetReadDeadline(time.Now().Add(hub.PongWait))
	})

	for {
		var env api.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			blog.Debug("websocket session ended", logging.KeyError, err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(hub.PongWait))
		h.hub.Touch(beacon.ID)

		switch env.Type {
		case api.MsgHeartbeat:
			// The ack keeps the beacon's own read deadline fresh.
			if ack, err := api.NewEnvelope(api.MsgAck, nil); err == nil {
				_ = h.hub.Send(beacon.ID, ack)
			}

		case api.MsgOSInfo:
			var info api.OSInfo
			if err := json.Unmarshal(env.Payload, &info); err != nil {
				blog.Warn("malformed os_info payload", logging.KeyError, err)
				continue
			}
			if info.Hostname == "" {
				info.Hostname = beacon.Hostname
			}
			if err := h.store.TouchBeacon(ctx, beacon.ID, info); err != nil {
				blog.Warn("could not refresh beacon metadata", logging.KeyError, err)
			}

		case api.MsgCommandResult:
			var res api.ResultRequest
			if err := json.Unmarshal(env.Payload, &res); err != nil {
				blog.Warn("malformed result payload", logging.KeyError, err)
				continue
			}
			h.recordResult(ctx, blog, &res)

		case api.MsgAck:
			var ack api.AckPayload
			if err := json.Unmarshal(env.Payload, &ack); err != nil || ack.CommandID == "" {
				continue
			}
			// A poll handout may have marked the command already; that
			// conflict is expected under at-least-once delivery.
			if err := h.store.MarkExecuting(ctx, ack.CommandID); err != nil && !errors.Is(err, store.ErrConflict) {
				blog.Warn("could not mark command executing",
					logging.KeyCommandID, ack.CommandID, logging.KeyError, err)
			}

		default:
			blog.Debug("unhandled message", "type", env.Type)
		}
	}
}

func (h *WSHandler) recordResult(ctx context.Context, blog *slog.Logger, res *api.ResultRequest) {
	if res.CommandID == "" {
		blog.Warn("result without command id dropped")
		return
	}

	cmd, err := h.store.RecordResult(ctx, res)
	if err != nil {
		if errors.Is(err, store.ErrCommandNotFound) {
			blog.Warn("result for unknown command", logging.KeyCommandID, res.CommandID)
			return
		}
		blog.Error("failed to record result",
			logging.KeyCommandID, res.CommandID, logging.KeyError, err)
		return
	}

	if cmd.ResultLate {
		blog.Warn("result arrived after terminal status, recorded without transition",
			logging.KeyCommandID, cmd.ID, "status", cmd.Status)
		return
	}
	blog.Info("result recorded",
		logging.KeyCommandID, cmd.ID,
		"status", cmd.Status,
		"exit_code", res.ExitCode)
}
