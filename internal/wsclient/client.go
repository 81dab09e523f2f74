// Package wsclient implements the WebSocket beacon mode: a persistent
// connection the server pushes commands over, with an auth handshake,
// application-level heartbeats, and reconnect with backoff. Batches are
// dispatched to a worker pool so a long-running command never blocks
// heartbeats or further receives.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/outpost-ops/outpost/internal/beacon"
	"github.com/outpost-ops/outpost/internal/config"
	"github.com/outpost-ops/outpost/internal/httputil"
	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/internal/osinfo"
	"github.com/outpost-ops/outpost/internal/workerpool"
	"github.com/outpost-ops/outpost/pkg/api"
)

var log = logging.L("wsclient")

const (
	writeWait      = 10 * time.Second
	authWait       = 10 * time.Second
	maxMessageSize = 512 * 1024
	queueDepth     = 32
)

// Client holds one logical connection to the server's push hub.
type Client struct {
	cfg     *config.Config
	version string
	runner  *beacon.Runner
	pool    *workerpool.Pool
	policy  httputil.Backoff
	save    func(*config.Config) error

	sendChan chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a Client. The Runner is shared with the poll path so
// deduplication covers both delivery mechanisms.
func New(cfg *config.Config, version string, runner *beacon.Runner) *Client {
	return &Client{
		cfg:      cfg,
		version:  version,
		runner:   runner,
		pool:     workerpool.New(cfg.MaxConcurrentCommands, queueDepth),
		policy:   beacon.DefaultBackoff(),
		save:     config.Save,
		sendChan: make(chan []byte, 256),
		done:     make(chan struct{}),
	}
}

// Run connects and serves until Stop is called or ctx is cancelled. Every
// disconnect, handshake failure, or auth rejection re-enters the backoff
// loop; the client never gives up on transient errors.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.policy

	for {
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		authed, err := c.session(ctx)
		if authed {
			backoff.Reset()
		}
		if err == nil {
			// Clean stop requested during the session.
			return nil
		}

		wait := backoff.Next()
		log.Warn("connection lost", "error", err, "retryIn", wait)
		select {
		case <-time.After(wait):
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop closes the connection after flushing queued outbound messages.
// In-flight batches are not waited for; use Shutdown for that.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// Shutdown stops accepting pushed commands, waits for in-flight batches
// bounded by ctx, then closes the connection so their results flush.
func (c *Client) Shutdown(ctx context.Context) {
	c.pool.StopAccepting()
	c.pool.Drain(ctx)
	c.Stop()
}

// session runs one connect → auth → pump cycle. The bool reports whether
// authentication succeeded (resets the reconnect backoff). A nil error
// means the session ended because of a requested stop.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	welcome, err := c.authenticate(conn)
	if err != nil {
		return false, err
	}
	log.Info("authenticated", "integrationId", welcome.IntegrationID)

	if welcome.IntegrationID != "" && welcome.IntegrationID != c.cfg.IntegrationID {
		c.cfg.IntegrationID = welcome.IntegrationID
		if saveErr := c.save(c.cfg); saveErr != nil {
			log.Warn("could not persist integration id", "error", saveErr)
		}
	}
	if welcome.PollInterval > 0 {
		c.cfg.PollIntervalSeconds = welcome.PollInterval
	}

	// Report full host metadata once per session; check-ins don't exist
	// in push mode.
	if err := c.writeEnvelope(conn, api.MsgOSInfo, osinfo.Collect(c.version)); err != nil {
		return true, fmt.Errorf("send os_info: %w", err)
	}

	writerDone := make(chan struct{})
	go c.writePump(ctx, conn, writerDone)
	err = c.readLoop(ctx, conn)
	close(writerDone)
	return true, err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := buildWSURL(c.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("build websocket url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

func buildWSURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/v1/beacon/ws"
	return u.String(), nil
}

// authenticate performs the first-message handshake: send auth, expect
// auth_success within a bounded window. The auth payload carries hostname
// and OS metadata so an unknown host registers implicitly.
func (c *Client) authenticate(conn *websocket.Conn) (*api.AuthSuccessPayload, error) {
	info := osinfo.Collect(c.version)
	env, err := api.NewEnvelope(api.MsgAuth, api.AuthPayload{
		APIKey:   c.cfg.APIKey,
		Hostname: info.Hostname,
		OSInfo:   info,
	})
	if err != nil {
		return nil, err
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return nil, fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authWait))
	var reply api.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return nil, fmt.Errorf("waiting for auth reply: %w", err)
	}

	switch reply.Type {
	case api.MsgAuthSuccess:
		var welcome api.AuthSuccessPayload
		if err := json.Unmarshal(reply.Payload, &welcome); err != nil {
			return nil, fmt.Errorf("decode auth_success: %w", err)
		}
		return &welcome, nil

	case api.MsgAuthFailure:
		var fail api.AuthFailurePayload
		_ = json.Unmarshal(reply.Payload, &fail)
		return nil, fmt.Errorf("auth rejected: %s", fail.Reason)

	default:
		return nil, fmt.Errorf("unexpected first message %q", reply.Type)
	}
}

// readLoop receives until the connection breaks or a stop is requested.
// The read deadline spans two heartbeat intervals; outbound heartbeats
// (and the acks they draw) keep a healthy connection inside it.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	readWait := 2 * c.heartbeatInterval()
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(writeWait))
	})

	for {
		var env api.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("read: %w", err)
			}
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		switch env.Type {
		case api.MsgCommand:
			var pc api.PendingCommand
			if err := json.Unmarshal(env.Payload, &pc); err != nil {
				log.Warn("malformed command payload", "error", err)
				continue
			}
			c.dispatch(ctx, pc)

		case api.MsgAck, api.MsgHeartbeat:
			// Liveness traffic; the deadline refresh above is the point.

		default:
			log.Debug("unhandled message", "type", env.Type)
		}
	}
}

// dispatch acknowledges receipt and hands the batch to the worker pool.
// Heartbeats and further receives continue while the batch runs; the
// batch itself executes sequentially inside the pool task.
func (c *Client) dispatch(ctx context.Context, pc api.PendingCommand) {
	c.enqueue(api.MsgAck, api.AckPayload{CommandID: pc.ID})

	submitted := c.pool.Submit(func() {
		outcome := c.runner.RunPending(ctx, pc)
		if outcome.Duplicate {
			return
		}
		c.enqueue(api.MsgCommandResult, outcome.Result)
		if outcome.StopRequested {
			log.Info("shutdown requested via system command")
			go func() {
				drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				c.Shutdown(drainCtx)
			}()
		}
	})
	if !submitted {
		log.Warn("command rejected, worker pool saturated", logging.KeyCommandID, pc.ID)
		c.enqueue(api.MsgCommandResult, &api.ResultRequest{
			CommandID:    pc.ID,
			ExitCode:     1,
			ErrorMessage: "beacon busy: concurrent command limit reached",
		})
	}
}

// writePump is the single writer: queued messages, heartbeat ticks, and
// the closing handshake all go through here. On stop it flushes whatever
// is queued before closing so results sent just before shutdown are not
// lost.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, sessionDone chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.sendChan:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warn("write failed", "error", err)
				conn.Close()
				return
			}

		case <-ticker.C:
			env, err := api.NewEnvelope(api.MsgHeartbeat, nil)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				log.Warn("heartbeat failed", "error", err)
				conn.Close()
				return
			}

		case <-c.done:
			c.flush(conn)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
			return

		case <-ctx.Done():
			conn.Close()
			return

		case <-sessionDone:
			return
		}
	}
}

// flush writes everything still queued, best effort.
func (c *Client) flush(conn *websocket.Conn) {
	for {
		select {
		case msg := <-c.sendChan:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// enqueue queues an envelope for the writer. Non-blocking: when the
// buffer is full the message is dropped with a log rather than stalling
// the read loop.
func (c *Client) enqueue(msgType string, payload any) {
	env, err := api.NewEnvelope(msgType, payload)
	if err != nil {
		log.Error("marshal outbound message", "type", msgType, "error", err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error("marshal envelope", "type", msgType, "error", err)
		return
	}

	select {
	case c.sendChan <- data:
	case <-c.done:
	default:
		log.Warn("send queue full, dropping message", "type", msgType)
	}
}

func (c *Client) writeEnvelope(conn *websocket.Conn, msgType string, payload any) error {
	env, err := api.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

func (c *Client) heartbeatInterval() time.Duration {
	secs := c.cfg.HeartbeatIntervalSeconds
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}
