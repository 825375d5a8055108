package authorizer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hotspotmesh/relay/pkg/config"
	"github.com/hotspotmesh/relay/pkg/errclass"
	"github.com/hotspotmesh/relay/pkg/jobs"
	"github.com/hotspotmesh/relay/pkg/ledger"
	"github.com/hotspotmesh/relay/pkg/log"
	"github.com/hotspotmesh/relay/pkg/metrics"
	"github.com/hotspotmesh/relay/pkg/routerhealth"
	"github.com/hotspotmesh/relay/pkg/routeros"
	"github.com/hotspotmesh/relay/pkg/types"
)

// Backoff is the retry delay table in seconds, indexed by attempt and
// capped at the last entry. Exhausting it marks the pending entry FAILED.
var Backoff = []time.Duration{
	2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second,
	40 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second,
}

// FailedCooldown is how long a FAILED pending entry blocks new attempts
// after the retry budget is exhausted.
const FailedCooldown = 10 * time.Minute

const pruneCooldown = 60 * time.Second

// Request is an inbound refresh/authorize call.
type Request struct {
	SessionID  string `json:"sid"`
	IP         string `json:"ip,omitempty"`
	MAC        string `json:"mac,omitempty"`
	RouterHint string `json:"routerHint,omitempty"`
	Identity   string `json:"identity,omitempty"`
}

// RevokeRequest tears down a client's paid access.
type RevokeRequest struct {
	RouterID string `json:"routerId"`
	IP       string `json:"ip,omitempty"`
	MAC      string `json:"mac,omitempty"`
}

// Outcome is the caller-visible result of an authorization attempt.
type Outcome struct {
	OK                   bool   `json:"ok"`
	Authorized           bool   `json:"authorized,omitempty"`
	Idempotent           bool   `json:"idempotent,omitempty"`
	PendingAuthorization bool   `json:"pending_authorization,omitempty"`
	Code                 string `json:"code,omitempty"`
	OrderID              string `json:"orderId,omitempty"`
	RouterID             string `json:"routerId,omitempty"`
	ActionKey            string `json:"actionKey,omitempty"`
	RetryInMs            int64  `json:"retryInMs,omitempty"`
	Class                string `json:"class,omitempty"`
	Attempt              int    `json:"attempt,omitempty"`
}

// retryPayload is the job body carried between attempts.
type retryPayload struct {
	SessionID  string `json:"sid"`
	OrderID    string `json:"orderId,omitempty"`
	RouterID   string `json:"routerId,omitempty"`
	RouterHint string `json:"routerHint,omitempty"`
	Identity   string `json:"identity,omitempty"`
	IP         string `json:"ip,omitempty"`
	MAC        string `json:"mac,omitempty"`
	Attempt    int    `json:"attempt"`
}

// Authorizer resolves a session's device and identity, consults the
// health tracker and ledger, and drives the device command executor with
// backoff retries through the job queue.
type Authorizer struct {
	ledger *ledger.Ledger
	cfg    *config.Config
	health *routerhealth.Tracker
	exec   routeros.Executor
	queue  *jobs.Queue
	paid   routeros.PaidAccessConfig

	now func() time.Time
	rng func() float64

	pruneMu     sync.Mutex
	lastPruneAt time.Time
}

// New wires an authorizer.
func New(l *ledger.Ledger, cfg *config.Config, health *routerhealth.Tracker, exec routeros.Executor, queue *jobs.Queue) *Authorizer {
	return &Authorizer{
		ledger: l,
		cfg:    cfg,
		health: health,
		exec:   exec,
		queue:  queue,
		paid: routeros.PaidAccessConfig{
			ListName:    cfg.PaidListName,
			BindingType: cfg.BindingType,
		},
		now: time.Now,
		rng: rand.Float64,
	}
}

func (a *Authorizer) maybePrune() {
	a.pruneMu.Lock()
	now := a.now()
	if now.Sub(a.lastPruneAt) < pruneCooldown {
		a.pruneMu.Unlock()
		return
	}
	a.lastPruneAt = now
	a.pruneMu.Unlock()

	if err := a.ledger.Prune(); err != nil {
		logger := log.WithComponent("authorizer")
		logger.Error().Err(err).Msg("Ledger prune failed")
	}
}

func pickRouter(hint, identity, pendingRouterID, lastSeenRouterID string) string {
	for _, candidate := range []string{hint, identity, pendingRouterID, lastSeenRouterID} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// RefreshAndAuthorize records the session sighting and, when a pending
// authorization exists, attempts to apply it exactly once.
func (a *Authorizer) RefreshAndAuthorize(ctx context.Context, req Request) (*Outcome, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id required")
	}
	logger := log.WithSession(req.SessionID)

	routerSeen := req.RouterHint
	if routerSeen == "" {
		routerSeen = req.Identity
	}
	err := a.ledger.UpsertLastSeen(req.SessionID, ledger.LastSeen{
		IP:       types.NormalizeIP(req.IP),
		MAC:      types.NormalizeMAC(req.MAC),
		RouterID: routerSeen,
		Identity: req.Identity,
	})
	if err != nil {
		return nil, err
	}
	a.maybePrune()

	pending, err := a.ledger.GetPending(req.SessionID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return &Outcome{OK: false, Code: "no_pending_payment"}, nil
	}

	if pending.Status == ledger.StatusFailed {
		if wait := pending.NextEligibleAt.Sub(a.now()); !pending.NextEligibleAt.IsZero() && wait > 0 {
			code := pending.FailCode
			if code == "" {
				code = "authorization_failed_after_retries"
			}
			return &Outcome{OK: true, Code: code, RetryInMs: wait.Milliseconds()}, nil
		}
		if _, err := a.ledger.ResetPendingToPending(req.SessionID, pending.OrderID); err != nil {
			return nil, err
		}
	}

	rec, err := a.ledger.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	var lastSeen ledger.LastSeen
	if rec != nil && rec.LastSeen != nil {
		lastSeen = *rec.LastSeen
	}

	routerID := pickRouter(req.RouterHint, req.Identity, pending.RouterID, lastSeen.RouterID)
	if routerID == "" {
		return &Outcome{OK: false, Code: errclass.CodeRouterNotResolved}, nil
	}
	node, err := a.cfg.RouterByID(routerID)
	if err != nil {
		cls := errclass.Classify(err)
		logger.Warn().Str("router_id", routerID).Str("code", cls.Code).
			Msg("Router not usable for authorization")
		return &Outcome{OK: false, Code: cls.Code, Class: string(cls.Class)}, nil
	}

	ip := types.NormalizeIP(req.IP)
	if ip == "" {
		ip = lastSeen.IP
	}
	mac := types.NormalizeMAC(req.MAC)
	if mac == "" {
		mac = lastSeen.MAC
	}
	if ip == "" || mac == "" {
		return &Outcome{OK: false, Code: errclass.CodeMissingIPOrMAC}, nil
	}

	actionKey := types.ActionKey(routerID, pending.OrderID, types.ActionAuthorize)
	applied, err := a.ledger.IsApplied(req.SessionID, actionKey)
	if err != nil {
		return nil, err
	}
	if applied {
		metrics.AuthorizeIdempotent.Inc()
		return &Outcome{
			OK: true, Authorized: true, Idempotent: true,
			OrderID: pending.OrderID, RouterID: routerID, ActionKey: actionKey,
		}, nil
	}

	payload := retryPayload{
		SessionID: req.SessionID, OrderID: pending.OrderID, RouterID: routerID,
		RouterHint: req.RouterHint, Identity: req.Identity, IP: ip, MAC: mac,
	}

	if !a.health.CanAttempt(routerID) {
		if err := a.schedule(payload, 0); err != nil {
			return nil, err
		}
		retry := Backoff[0]
		if openUntil := a.health.Get(routerID).OpenUntil; !openUntil.IsZero() {
			if remaining := openUntil.Sub(a.now()); remaining > 0 {
				retry = remaining
			}
		}
		metrics.AuthorizePending.Inc()
		return &Outcome{
			OK: true, PendingAuthorization: true,
			Code: "authorization_scheduled", RetryInMs: retry.Milliseconds(),
		}, nil
	}

	outcome := a.attempt(ctx, node, pending.OrderID, req.SessionID, routerID, ip, mac, actionKey)
	if outcome.PendingAuthorization {
		if err := a.schedule(payload, 0); err != nil {
			return nil, err
		}
		outcome.Code = "authorization_scheduled"
		outcome.RetryInMs = Backoff[0].Milliseconds()
	}
	return outcome, nil
}

// attempt runs the device command batch once and translates the result.
// A transient classification comes back with PendingAuthorization set;
// the caller decides how to schedule.
func (a *Authorizer) attempt(ctx context.Context, node *config.RouterNode, orderID, sessionID, routerID, ip, mac, actionKey string) *Outcome {
	logger := log.WithSession(sessionID)
	metrics.AuthorizeAttempts.Inc()

	cmds := routeros.BuildAuthorizeCommands(a.paid, orderID, ip, mac)
	res, err := a.exec.Run(ctx, node, cmds)
	if err != nil {
		cls := errclass.Classify(err)
		a.health.RecordFailure(routerID, cls)
		metrics.ErrorClasses.WithLabelValues(string(cls.Class), cls.Code).Inc()
		logger.Warn().Str("router_id", routerID).Str("class", string(cls.Class)).
			Str("code", cls.Code).Msg("Authorization attempt failed")

		if cls.Class == errclass.ClassTransient {
			metrics.AuthorizePending.Inc()
			return &Outcome{OK: true, PendingAuthorization: true}
		}
		metrics.AuthorizeFailed.Inc()
		return &Outcome{OK: false, Code: cls.Code, Class: string(cls.Class)}
	}

	if res == nil || !res.OK {
		metrics.AuthorizeFailed.Inc()
		return &Outcome{OK: false, Code: "authorize_failed"}
	}

	if err := a.ledger.MarkApplied(sessionID, actionKey, map[string]string{
		"orderId": orderID, "routerId": routerID,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to mark action applied")
	}
	if _, err := a.ledger.MarkPendingApplied(sessionID, orderID); err != nil {
		logger.Error().Err(err).Msg("Failed to mark pending applied")
	}
	a.health.RecordSuccess(routerID)
	metrics.AuthorizeSuccess.Inc()
	return &Outcome{
		OK: true, Authorized: true,
		OrderID: orderID, RouterID: routerID, ActionKey: actionKey,
	}
}

func (a *Authorizer) schedule(payload retryPayload, attempt int) error {
	payload.Attempt = attempt
	idx := attempt
	if idx >= len(Backoff) {
		idx = len(Backoff) - 1
	}
	base := Backoff[idx]
	jitter := time.Duration(float64(base) * 0.2 * a.rng())
	delay := base + jitter

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := a.now()
	job := &types.Job{
		ID:        fmt.Sprintf("auth-%s-%d-%d", payload.SessionID, now.UnixMilli(), attempt),
		Type:      types.JobTypeAuthorizePending,
		Payload:   data,
		RunAt:     now.Add(delay),
		CreatedAt: now,
	}
	return a.queue.AddJob(job)
}

// RetryAuthorizePending is the job-runner entry point. It repeats the
// authorization flow with the carried attempt counter; exhausting the
// backoff table marks the pending entry FAILED for a fixed cooldown.
func (a *Authorizer) RetryAuthorizePending(ctx context.Context, rawPayload json.RawMessage) (*Outcome, error) {
	var payload retryPayload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return &Outcome{OK: false, Code: errclass.CodeEventInvalidSchema}, nil
	}
	if payload.SessionID == "" {
		return &Outcome{OK: false, Code: "sid_required"}, nil
	}
	logger := log.WithSession(payload.SessionID)

	pending, err := a.ledger.GetPending(payload.SessionID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return &Outcome{OK: false, Code: "no_pending_payment"}, nil
	}

	if pending.Status == ledger.StatusFailed {
		if wait := pending.NextEligibleAt.Sub(a.now()); !pending.NextEligibleAt.IsZero() && wait > 0 {
			code := pending.FailCode
			if code == "" {
				code = "authorization_failed_after_retries"
			}
			return &Outcome{OK: false, Code: code, RetryInMs: wait.Milliseconds()}, nil
		}
		if _, err := a.ledger.ResetPendingToPending(payload.SessionID, pending.OrderID); err != nil {
			return nil, err
		}
	}

	rec, err := a.ledger.Get(payload.SessionID)
	if err != nil {
		return nil, err
	}
	var lastSeen ledger.LastSeen
	if rec != nil && rec.LastSeen != nil {
		lastSeen = *rec.LastSeen
	}

	pendingRouter := pending.RouterID
	if pendingRouter == "" {
		pendingRouter = payload.RouterID
	}
	routerID := pickRouter(payload.RouterHint, payload.Identity, pendingRouter, lastSeen.RouterID)
	if routerID == "" {
		return &Outcome{OK: false, Code: errclass.CodeRouterNotResolved}, nil
	}
	node, err := a.cfg.RouterByID(routerID)
	if err != nil {
		cls := errclass.Classify(err)
		return &Outcome{OK: false, Code: cls.Code, Class: string(cls.Class)}, nil
	}

	ip := payload.IP
	if ip == "" {
		ip = lastSeen.IP
	}
	mac := payload.MAC
	if mac == "" {
		mac = lastSeen.MAC
	}
	if ip == "" || mac == "" {
		return &Outcome{OK: false, Code: errclass.CodeMissingIPOrMAC}, nil
	}

	actionKey := types.ActionKey(routerID, pending.OrderID, types.ActionAuthorize)
	applied, err := a.ledger.IsApplied(payload.SessionID, actionKey)
	if err != nil {
		return nil, err
	}
	if applied {
		metrics.AuthorizeIdempotent.Inc()
		return &Outcome{
			OK: true, Authorized: true, Idempotent: true,
			OrderID: pending.OrderID, RouterID: routerID, ActionKey: actionKey,
		}, nil
	}

	if !a.health.CanAttempt(routerID) {
		if err := a.schedule(payload, payload.Attempt); err != nil {
			return nil, err
		}
		metrics.AuthorizePending.Inc()
		return &Outcome{OK: false, PendingAuthorization: true, Code: "router_circuit_open"}, nil
	}

	outcome := a.attempt(ctx, node, pending.OrderID, payload.SessionID, routerID, ip, mac, actionKey)
	if !outcome.PendingAuthorization {
		return outcome, nil
	}

	nextAttempt := payload.Attempt + 1
	if nextAttempt >= len(Backoff) {
		if _, err := a.ledger.MarkPendingFailed(payload.SessionID, pending.OrderID,
			"authorization_failed_after_retries", nextAttempt, a.now().Add(FailedCooldown)); err != nil {
			return nil, err
		}
		metrics.AuthorizeFailed.Inc()
		logger.Warn().Str("router_id", routerID).Int("attempts", nextAttempt).
			Msg("Authorization retries exhausted")
		return &Outcome{
			OK: false, Code: "authorization_failed_after_retries",
			RetryInMs: FailedCooldown.Milliseconds(),
		}, nil
	}
	if err := a.schedule(payload, nextAttempt); err != nil {
		return nil, err
	}
	return &Outcome{
		OK: false, PendingAuthorization: true,
		Code: "authorization_rescheduled", Attempt: nextAttempt,
	}, nil
}

// HandleRetryJob adapts RetryAuthorizePending to the job runner.
func (a *Authorizer) HandleRetryJob(ctx context.Context, job *types.Job) error {
	outcome, err := a.RetryAuthorizePending(ctx, job.Payload)
	if err != nil {
		return err
	}
	logger := log.WithComponent("authorizer")
	logger.Debug().Str("job_id", job.ID).
		Bool("ok", outcome.OK).Str("code", outcome.Code).
		Msg("Retry job processed")
	return nil
}

// Revoke tears down a client's access on plan expiry or manual kick.
func (a *Authorizer) Revoke(ctx context.Context, req RevokeRequest) (*Outcome, error) {
	ip := types.NormalizeIP(req.IP)
	mac := types.NormalizeMAC(req.MAC)
	if req.RouterID == "" || (ip == "" && mac == "") {
		return &Outcome{OK: false, Code: errclass.CodeMissingIPOrMAC}, nil
	}
	node, err := a.cfg.RouterByID(req.RouterID)
	if err != nil {
		cls := errclass.Classify(err)
		return &Outcome{OK: false, Code: cls.Code, Class: string(cls.Class)}, nil
	}

	cmds := routeros.BuildRevokeCommands(a.paid, ip, mac)
	res, err := a.exec.Run(ctx, node, cmds)
	if err != nil {
		cls := errclass.Classify(err)
		a.health.RecordFailure(req.RouterID, cls)
		metrics.ErrorClasses.WithLabelValues(string(cls.Class), cls.Code).Inc()
		return &Outcome{OK: false, Code: cls.Code, Class: string(cls.Class)}, nil
	}
	if res == nil || !res.OK {
		return &Outcome{OK: false, Code: "revoke_failed", RouterID: req.RouterID}, nil
	}
	a.health.RecordSuccess(req.RouterID)
	return &Outcome{OK: true, RouterID: req.RouterID}, nil
}
