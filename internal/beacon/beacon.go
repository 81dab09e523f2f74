// Package beacon implements the HTTP polling client: register with the
// server, check in on an interval, execute pending commands strictly in
// order, and report each result. Transient failures back off and retry
// forever; the loop only exits on Stop or context cancellation.
package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/outpost-ops/outpost/internal/config"
	"github.com/outpost-ops/outpost/internal/httputil"
	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/internal/osinfo"
	"github.com/outpost-ops/outpost/pkg/api"
)

var log = logging.L("beacon")

var errUnauthorized = errors.New("unauthorized")

// DefaultBackoff is the retry policy shared by the poll loop and the
// WebSocket reconnect loop: 1s doubling to a 60s cap, ±30% jitter.
func DefaultBackoff() httputil.Backoff {
	return httputil.Backoff{
		Base:   time.Second,
		Max:    60 * time.Second,
		Factor: 2.0,
		Jitter: 0.3,
	}
}

// Beacon is the HTTP polling client.
type Beacon struct {
	cfg     *config.Config
	version string
	client  *http.Client
	runner  *Runner
	retry   httputil.RetryConfig
	policy  httputil.Backoff
	save    func(*config.Config) error

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a Beacon around an existing Runner so poll and push modes
// share execution state.
func New(cfg *config.Config, version string, runner *Runner) *Beacon {
	return &Beacon{
		cfg:     cfg,
		version: version,
		client:  &http.Client{Timeout: 30 * time.Second},
		runner:  runner,
		retry:   httputil.DefaultRetryConfig(),
		policy:  DefaultBackoff(),
		save:    config.Save,
		stop:    make(chan struct{}),
	}
}

// Run registers and then polls until Stop is called or ctx is cancelled.
// A clean stop returns nil; cancellation returns the context error.
func (b *Beacon) Run(ctx context.Context) error {
	if !b.register(ctx) {
		return ctx.Err()
	}

	backoff := b.policy
	interval := time.Duration(b.cfg.PollIntervalSeconds) * time.Second

	for {
		resp, err := b.checkin(ctx)
		switch {
		case err == nil:
			backoff.Reset()
			if resp.PollInterval > 0 {
				interval = time.Duration(resp.PollInterval) * time.Second
			}
			if b.processPending(ctx, resp.PendingCommands) {
				log.Info("shutdown requested via system command")
				b.Stop()
			}

		case errors.Is(err, errUnauthorized):
			log.Warn("check-in unauthorized, re-registering")
			if !b.register(ctx) {
				return ctx.Err()
			}
			continue

		default:
			wait := backoff.Next()
			log.Warn("check-in failed", "error", err, "retryIn", wait)
			if !b.sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		if !b.sleep(ctx, interval) {
			return ctx.Err()
		}
	}
}

// Stop requests a graceful exit. An in-flight batch finishes and its
// results are reported before the loop returns.
func (b *Beacon) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
}

// register announces the beacon and records the server-assigned identity.
// A rejected credential is retried with backoff, never skipped: the
// beacon must not fall through to unauthenticated polling. Returns false
// only when stopped or cancelled.
func (b *Beacon) register(ctx context.Context) bool {
	backoff := b.policy

	for {
		reg, err := b.postRegister(ctx)
		if err == nil {
			b.cfg.IntegrationID = reg.IntegrationID
			if reg.PollInterval > 0 {
				b.cfg.PollIntervalSeconds = reg.PollInterval
			}
			if saveErr := b.save(b.cfg); saveErr != nil {
				log.Warn("could not persist integration id", "error", saveErr)
			}
			log.Info("registered with server",
				"integrationId", reg.IntegrationID,
				"pollInterval", reg.PollInterval)
			return true
		}

		wait := backoff.Next()
		if errors.Is(err, errUnauthorized) {
			log.Warn("registration rejected, check the API key", "retryIn", wait)
		} else {
			log.Warn("registration failed", "error", err, "retryIn", wait)
		}
		if !b.sleep(ctx, wait) {
			return false
		}
	}
}

func (b *Beacon) postRegister(ctx context.Context) (*api.RegisterResponse, error) {
	info := osinfo.Collect(b.version)
	body, err := json.Marshal(api.RegisterRequest{Hostname: info.Hostname, OSInfo: info})
	if err != nil {
		return nil, fmt.Errorf("marshal register request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := httputil.Do(reqCtx, b.client, http.MethodPost,
		b.cfg.ServerURL+"/api/v1/beacon/register", body, b.headers(), httputil.NoRetry())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errUnauthorized
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return nil, fmt.Errorf("register returned status %d", resp.StatusCode)
	}

	var reg api.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, fmt.Errorf("decode register response: %w", err)
	}
	if reg.IntegrationID == "" {
		return nil, errors.New("register response missing integration id")
	}
	return &reg, nil
}

// checkin reports liveness and fresh host metadata and picks up pending
// work. A single attempt: the poll loop owns the backoff.
func (b *Beacon) checkin(ctx context.Context) (*api.CheckinResponse, error) {
	info := osinfo.Collect(b.version)
	body, err := json.Marshal(api.CheckinRequest{Hostname: info.Hostname, OSInfo: info})
	if err != nil {
		return nil, fmt.Errorf("marshal check-in request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := httputil.Do(reqCtx, b.client, http.MethodPost,
		b.cfg.ServerURL+"/api/v1/beacon/checkin", body, b.headers(), httputil.NoRetry())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("check-in returned status %d", resp.StatusCode)
	}

	var out api.CheckinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode check-in response: %w", err)
	}
	return &out, nil
}

// processPending executes handed-out commands strictly in receipt order,
// one at a time. Returns true when a shutdown system command ran; its
// result has already been reported by then.
func (b *Beacon) processPending(ctx context.Context, pending []api.PendingCommand) bool {
	for _, pc := range pending {
		outcome := b.runner.RunPending(ctx, pc)
		if outcome.Duplicate {
			continue
		}
		if err := b.postResult(ctx, outcome.Result); err != nil {
			log.Error("failed to report result", logging.KeyCommandID, pc.ID, "error", err)
		}
		if outcome.StopRequested {
			return true
		}
	}
	return false
}

// postResult reports one command outcome. Retries are handled inside Do;
// a result that still cannot be delivered is logged and dropped — the
// server marks the command TIMEOUT on its own schedule and accepts late
// results without reverting.
func (b *Beacon) postResult(ctx context.Context, res *api.ResultRequest) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := httputil.Do(reqCtx, b.client, http.MethodPost,
		b.cfg.ServerURL+"/api/v1/beacon/result", body, b.headers(), b.retry)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("result report returned status %d", resp.StatusCode)
	}
	return nil
}

func (b *Beacon) headers() http.Header {
	return http.Header{
		"Content-Type":   {"application/json"},
		"User-Agent":     {"outpost-beacon/" + b.version},
		api.HeaderAPIKey: {b.cfg.APIKey},
	}
}

// sleep waits for d unless stopped or cancelled first.
func (b *Beacon) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-b.stop:
		return false
	case <-ctx.Done():
		return false
	}
}
