package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/outpost-ops/outpost/internal/beacon"
	"github.com/outpost-ops/outpost/internal/config"
	"github.com/outpost-ops/outpost/internal/executor"
	"github.com/outpost-ops/outpost/internal/httputil"
	"github.com/outpost-ops/outpost/pkg/api"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.ServerURL = serverURL
	cfg.APIKey = "opk_test_key"
	cfg.HeartbeatIntervalSeconds = 1
	cfg.MaxConcurrentCommands = 2

	runner := beacon.NewRunner(executor.Options{WorkDir: t.TempDir()}, false, nil, nil)
	c := New(cfg, "1.2.3", runner)
	c.policy = httputil.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond, Factor: 2, Jitter: 0}
	c.save = func(*config.Config) error { return nil }
	return c
}

func newWSTestServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

// acceptAuth performs the server half of the handshake and swallows the
// following os_info message.
func acceptAuth(t *testing.T, conn *websocket.Conn) api.AuthPayload {
	t.Helper()

	var env api.Envelope
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&env); err != nil {
		t.Errorf("read auth: %v", err)
		return api.AuthPayload{}
	}
	if env.Type != api.MsgAuth {
		t.Errorf("first message = %q, want auth", env.Type)
	}
	var auth api.AuthPayload
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		t.Errorf("decode auth payload: %v", err)
	}

	welcome, _ := api.NewEnvelope(api.MsgAuthSuccess, api.AuthSuccessPayload{
		IntegrationID: "itg-1",
		PollInterval:  30,
	})
	if err := conn.WriteJSON(welcome); err != nil {
		t.Errorf("write auth_success: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&env); err != nil {
		t.Errorf("read os_info: %v", err)
	} else if env.Type != api.MsgOSInfo {
		t.Errorf("second message = %q, want os_info", env.Type)
	}
	return auth
}

func TestHandshakeAndCommandRoundTrip(t *testing.T) {
	gotResult := make(chan api.ResultRequest, 1)
	gotAck := make(chan string, 1)

	srv := newWSTestServer(t, func(conn *websocket.Conn) {
		auth := acceptAuth(t, conn)
		if auth.APIKey != "opk_test_key" {
			t.Errorf("auth api key = %q", auth.APIKey)
		}
		if auth.Hostname == "" {
			t.Error("auth payload missing hostname")
		}

		cmd, _ := api.NewEnvelope(api.MsgCommand, api.PendingCommand{
			ID:       "cmd-1",
			Commands: []string{"cd ."},
		})
		if err := conn.WriteJSON(cmd); err != nil {
			t.Errorf("push command: %v", err)
			return
		}

		for {
			var env api.Envelope
			conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Type {
			case api.MsgAck:
				var ack api.AckPayload
				_ = json.Unmarshal(env.Payload, &ack)
				select {
				case gotAck <- ack.CommandID:
				default:
				}
			case api.MsgCommandResult:
				var res api.ResultRequest
				_ = json.Unmarshal(env.Payload, &res)
				select {
				case gotResult <- res:
				default:
				}
			}
		}
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	select {
	case id := <-gotAck:
		if id != "cmd-1" {
			t.Fatalf("ack for %q", id)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for ack")
	}

	var res api.ResultRequest
	select {
	case res = <-gotResult:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	if res.CommandID != "cmd-1" || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	c.Stop()
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if c.cfg.IntegrationID != "itg-1" {
		t.Fatalf("integration id = %q", c.cfg.IntegrationID)
	}
}

func TestAuthFailureEntersReconnectCycle(t *testing.T) {
	var conns atomic.Int32
	authed := make(chan struct{}, 1)

	srv := newWSTestServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		if n == 1 {
			var env api.Envelope
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_ = conn.ReadJSON(&env)
			reject, _ := api.NewEnvelope(api.MsgAuthFailure, api.AuthFailurePayload{Reason: "key revoked"})
			_ = conn.WriteJSON(reject)
			return
		}
		acceptAuth(t, conn)
		select {
		case authed <- struct{}{}:
		default:
		}
		// Hold the connection open until the client goes away
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		for {
			var env api.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	select {
	case <-authed:
	case <-time.After(10 * time.Second):
		t.Fatal("client never recovered from the auth failure")
	}
	c.Stop()
	<-errCh

	if conns.Load() < 2 {
		t.Fatalf("expected a reconnect, got %d connections", conns.Load())
	}
}

func TestHeartbeatSentWhileIdle(t *testing.T) {
	beat := make(chan struct{}, 1)

	srv := newWSTestServer(t, func(conn *websocket.Conn) {
		acceptAuth(t, conn)
		for {
			var env api.Envelope
			conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == api.MsgHeartbeat {
				ack, _ := api.NewEnvelope(api.MsgAck, nil)
				_ = conn.WriteJSON(ack)
				select {
				case beat <- struct{}{}:
				default:
				}
			}
		}
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	select {
	case <-beat:
	case <-time.After(10 * time.Second):
		t.Fatal("no heartbeat observed on an idle connection")
	}
	c.Stop()
	<-errCh
}

func TestShutdownCommandFlushesResultThenExits(t *testing.T) {
	gotResult := make(chan api.ResultRequest, 1)

	srv := newWSTestServer(t, func(conn *websocket.Conn) {
		acceptAuth(t, conn)

		cmd, _ := api.NewEnvelope(api.MsgCommand, api.PendingCommand{
			ID:       "cmd-stop",
			Commands: []string{api.SysShutdown},
		})
		if err := conn.WriteJSON(cmd); err != nil {
			return
		}

		for {
			var env api.Envelope
			conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == api.MsgCommandResult {
				var res api.ResultRequest
				_ = json.Unmarshal(env.Payload, &res)
				select {
				case gotResult <- res:
				default:
				}
			}
		}
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	var res api.ResultRequest
	select {
	case res = <-gotResult:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the shutdown result")
	}
	if res.CommandID != "cmd-stop" || res.ExitCode != 0 {
		t.Fatalf("unexpected shutdown result: %+v", res)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not exit after the shutdown command")
	}
}
