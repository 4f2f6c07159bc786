// Package tre implements the decision boundary between a policy
// recommendation and any effect on a host: the ten-step, fail-fast,
// default-DENY enforcement pipeline. Every step that can deny emits a
// dedicated audit-ledger entry; a command never reaches Dispatch without
// passing every check ahead of it.
package tre

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ransomeye/trustcore/pkg/canonicalize"
	"github.com/ransomeye/trustcore/pkg/crypto"
	"github.com/ransomeye/trustcore/pkg/ledger"
	"github.com/ransomeye/trustcore/pkg/model"
	"github.com/ransomeye/trustcore/pkg/store"
)

// Violation names the exact failing rule, logged with every denial.
type Violation string

const (
	ViolationIncidentNotOpen      Violation = "INCIDENT_NOT_OPEN"
	ViolationEmergencyRoleReq     Violation = "EMERGENCY_ROLE_REQUIRED"
	ViolationRBACDenied           Violation = "RBAC_DENIED"
	ViolationGuardedExecBlocked   Violation = "DESTRUCTIVE_BLOCKED_GUARDED_EXEC"
	ViolationHAFPending           Violation = "HAF_PENDING"
	ViolationHAFDenied            Violation = "HAF_DENIED"
	ViolationRateLimited          Violation = "RATE_LIMITED"
	ViolationEmergencyLimitHit    Violation = "EMERGENCY_LIMIT_HIT"
	ViolationBlastRadiusMismatch  Violation = "BLAST_RADIUS_MISMATCH"
	ViolationIncidentFrozen       Violation = "INCIDENT_FROZEN"
)

// Request is one attempted action execution offered to the pipeline.
type Request struct {
	IncidentID     string
	ActionType     model.ActionType
	Target         string // machine_id for HOST, group/network id otherwise
	BlastScope     model.BlastScope
	TargetCount    int // caller's declared count, validated against the resolved set
	IssuedByUserID string
	IssuedByRole   model.IssuedByRole
	PolicyID       string
	PolicyVersion  string
	Emergency      bool
	Rollback       bool
}

// Decision is the pipeline's outcome for one Request.
type Decision struct {
	Allowed   bool
	Simulated bool
	Reason    string
	Violation Violation
	Command   *model.SignedCommand
	ApprovalID string
}

// Pipeline is the TRE enforcement pipeline. One Pipeline instance owns the
// in-memory rate-limit state for the process it runs in, matching the
// teacher gate's runtime-counter pattern.
type Pipeline struct {
	incidents   store.IncidentStore
	machines    store.MachineStore
	approvals   store.HAFApprovalStore
	actions     store.ResponseActionStore
	attestations store.AttestationStore
	ledger      *ledger.Ledger
	signer      crypto.Signer
	dispatcher  Dispatcher

	mode  model.TREMode
	clock func() time.Time

	mu             sync.Mutex
	userLimiters   map[string]*rate.Limiter
	hostLimiters   map[string]*rate.Limiter
	incidentCounts map[string]int
}

// New builds a Pipeline starting in DRY_RUN mode — the fail-safe default
// until an operator explicitly raises it.
func New(incidents store.IncidentStore, machines store.MachineStore, approvals store.HAFApprovalStore,
	actions store.ResponseActionStore, attestations store.AttestationStore, ledg *ledger.Ledger, signer crypto.Signer) *Pipeline {
	return &Pipeline{
		incidents:      incidents,
		machines:       machines,
		approvals:      approvals,
		actions:        actions,
		attestations:   attestations,
		ledger:         ledg,
		signer:         signer,
		dispatcher:     NoopDispatcher{},
		mode:           model.ModeDryRun,
		clock:          time.Now,
		userLimiters:   make(map[string]*rate.Limiter),
		hostLimiters:   make(map[string]*rate.Limiter),
		incidentCounts: make(map[string]int),
	}
}

// WithClock overrides the clock for deterministic tests.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// WithDispatcher overrides the default no-op dispatcher.
func (p *Pipeline) WithDispatcher(d Dispatcher) *Pipeline {
	p.dispatcher = d
	return p
}

// SetMode changes the single active TRE mode.
func (p *Pipeline) SetMode(mode model.TREMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
}

func (p *Pipeline) Mode() model.TREMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func actionKey(incidentID string, actionType model.ActionType, target string) string {
	return incidentID + ":" + string(actionType) + ":" + target
}

func rollbackToken(commandID string, actionType model.ActionType) string {
	sum := sha256.Sum256([]byte(commandID + ":" + string(actionType)))
	return hex.EncodeToString(sum[:])
}

func (p *Pipeline) appendLedger(component, actionType, subject, actor string, payload map[string]any) {
	if p.ledger == nil {
		return
	}
	_, _ = p.ledger.Append(component, actionType, subject, actor, payload)
}

func deny(reason string, violation Violation) *Decision {
	return &Decision{Allowed: false, Reason: reason, Violation: violation}
}

// Execute runs req through all ten steps. Every returned Decision —
// allowed or not — reflects exactly one pipeline outcome; there is no
// retry loop inside Execute.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Decision, error) {
	now := p.clock()

	// Step 1: incident execution guard / step 10: incident freeze.
	var incident *model.Incident
	if req.Emergency {
		if req.IssuedByRole != model.RoleSuperAdmin {
			d := deny("emergency actions require SUPER_ADMIN", ViolationEmergencyRoleReq)
			p.appendLedger("tre", model.ActionTREActionBlocked, req.Target, req.IssuedByUserID, map[string]any{"violation": d.Violation})
			return d, nil
		}
	} else {
		if req.IncidentID == "" {
			d := deny("non-emergency actions require an incident_id", ViolationIncidentNotOpen)
			p.appendLedger("tre", model.ActionTREActionBlocked, req.Target, req.IssuedByUserID, map[string]any{"violation": d.Violation})
			return d, nil
		}
		var err error
		incident, err = p.incidents.Get(ctx, req.IncidentID)
		if err != nil {
			return nil, fmt.Errorf("tre: loading incident: %w", err)
		}
		frozen := incident.Status == model.IncidentClosed || incident.Status == model.IncidentArchived ||
			incident.Status == model.IncidentResolvedWithActions
		if frozen && !req.Rollback {
			d := deny("incident is frozen; only rollback is permitted", ViolationIncidentFrozen)
			p.appendLedger("tre", model.ActionTREActionBlocked, req.IncidentID, req.IssuedByUserID, map[string]any{"violation": d.Violation, "status": incident.Status})
			return d, nil
		}
	}

	destructive := Classify(req.ActionType)

	// Step 7 (pulled forward of its nominal position): resolve blast radius
	// so the HAF requirement it imposes on GROUP/NETWORK/GLOBAL scope feeds
	// the single HAF gate below, rather than re-running that gate twice.
	resolvedCount, err := p.resolveBlastRadius(ctx, req.BlastScope, req.Target)
	if err != nil {
		return nil, fmt.Errorf("tre: resolving blast radius: %w", err)
	}
	if resolvedCount != req.TargetCount {
		d := deny(fmt.Sprintf("declared target_count %d does not match resolved set of %d", req.TargetCount, resolvedCount), ViolationBlastRadiusMismatch)
		p.appendLedger("tre", model.ActionTREActionBlocked, req.Target, req.IssuedByUserID, map[string]any{"violation": d.Violation})
		return d, nil
	}
	wideScope := req.BlastScope != model.ScopeHost

	// Step 2: RBAC check.
	required := []string{permExecute}
	if destructive {
		required = append(required, permExecuteDestructive)
	}
	if req.Rollback {
		required = append(required, permRollback)
	}
	if req.Emergency {
		required = append(required, permEmergency)
	}
	allowed := rbacCheck(req.IssuedByRole, required...)
	p.appendLedger("tre", model.ActionRBACPermissionCheck, req.Target, req.IssuedByUserID, map[string]any{
		"required": required, "role": req.IssuedByRole, "allowed": allowed,
	})
	if !allowed {
		d := deny("role lacks required permission", ViolationRBACDenied)
		p.appendLedger("tre", model.ActionTREActionBlocked, req.Target, req.IssuedByUserID, map[string]any{"violation": d.Violation})
		return d, nil
	}

	// Step 3: mode check.
	mode := p.Mode()
	if mode == model.ModeGuardedExec && destructive {
		d := deny("DESTRUCTIVE actions are blocked in GUARDED_EXEC mode", ViolationGuardedExecBlocked)
		p.appendLedger("tre", model.ActionTREActionBlocked, req.Target, req.IssuedByUserID, map[string]any{"violation": d.Violation})
		return d, nil
	}

	// Step 5 (HAF): required for destructive actions in FULL_ENFORCE, and
	// for any non-HOST blast scope regardless of mode or classification.
	needsHAF := wideScope || (destructive && mode == model.ModeFullEnforce)
	var approvalID string
	if needsHAF {
		key := actionKey(req.IncidentID, req.ActionType, req.Target)
		approval, err := p.approvals.GetLatestByActionKey(ctx, key)
		if err != nil && err != store.ErrNotFound {
			return nil, fmt.Errorf("tre: checking haf approval: %w", err)
		}
		switch {
		case err == store.ErrNotFound || approval == nil:
			pending := &model.HAFApproval{
				ApprovalID:  uuid.NewString(),
				RequestedBy: req.IssuedByUserID,
				Status:      model.ApprovalPending,
				RequestedAt: now,
				ExpiresAt:   now.Add(24 * time.Hour),
			}
			if err := p.approvals.CreateApproval(ctx, pending, key); err != nil {
				return nil, fmt.Errorf("tre: creating pending haf approval: %w", err)
			}
			p.appendLedger("tre", model.ActionTREHAFDeny, req.Target, req.IssuedByUserID, map[string]any{"reason": "approval_pending_created", "approval_id": pending.ApprovalID})
			return &Decision{Allowed: false, Reason: "awaiting HAF approval", Violation: ViolationHAFPending, ApprovalID: pending.ApprovalID}, nil
		case approval.Status == model.ApprovalRejected, approval.Status == model.ApprovalExpired:
			p.appendLedger("tre", model.ActionTREHAFDeny, req.Target, req.IssuedByUserID, map[string]any{"reason": string(approval.Status), "approval_id": approval.ApprovalID})
			return deny("haf approval "+string(approval.Status), ViolationHAFDenied), nil
		case approval.Status == model.ApprovalApproved:
			if now.After(approval.ExpiresAt) {
				_ = p.approvals.UpdateApprovalStatus(ctx, approval.ApprovalID, model.ApprovalExpired, now)
				p.appendLedger("tre", model.ActionTREHAFDeny, req.Target, req.IssuedByUserID, map[string]any{"reason": "expired", "approval_id": approval.ApprovalID})
				return deny("haf approval expired", ViolationHAFDenied), nil
			}
			approvalID = approval.ApprovalID
		default:
			p.appendLedger("tre", model.ActionTREHAFDeny, req.Target, req.IssuedByUserID, map[string]any{"reason": "approval_pending", "approval_id": approval.ApprovalID})
			return &Decision{Allowed: false, Reason: "haf approval still pending", Violation: ViolationHAFPending, ApprovalID: approval.ApprovalID}, nil
		}
	}

	// Step 6: rate limits (after RBAC/mode/HAF, before dispatch).
	if d := p.checkRateLimits(req, now); d != nil {
		p.appendLedger("tre", model.ActionRateLimitHit, req.Target, req.IssuedByUserID, map[string]any{"violation": d.Violation})
		return d, nil
	}

	// Step 8: sign and dispatch.
	commandID := uuid.NewString()
	cmd := &model.SignedCommand{
		CommandID:        commandID,
		ActionType:       req.ActionType,
		Target:           req.Target,
		BlastScope:       req.BlastScope,
		TargetCount:      req.TargetCount,
		IncidentID:       req.IncidentID,
		TREMode:          mode,
		IssuedByUserID:   req.IssuedByUserID,
		IssuedByRole:     req.IssuedByRole,
		ApprovalID:       approvalID,
		IssuedAt:         now,
		ExpiresAt:        now.Add(time.Hour),
		RollbackToken:    rollbackToken(commandID, req.ActionType),
		PolicyID:         req.PolicyID,
		PolicyVersion:    req.PolicyVersion,
		IssuingAuthority: model.AuthorityThreatResponseEngine,
	}
	signingBytes, err := canonicalize.CommandSigningBytes(cmd)
	if err != nil {
		return nil, fmt.Errorf("tre: canonicalizing command: %w", err)
	}
	sig, err := p.signer.Sign(signingBytes)
	if err != nil {
		return nil, fmt.Errorf("tre: signing command: %w", err)
	}
	cmd.Signature = sig
	cmd.SigningKeyID = p.signer.KeyID()
	cmd.SigningAlgorithm = "ed25519"
	cmd.SignedAt = now

	status := model.ExecutionPending
	if mode == model.ModeDryRun {
		status = model.ExecutionSimulated
	}

	action := &model.ResponseAction{
		ActionID:        uuid.NewString(),
		Command:         *cmd,
		ExecutionStatus: status,
		RollbackCapable: true,
		ExecutedAt:      now,
	}

	if status != model.ExecutionSimulated {
		commandJSON, err := json.Marshal(cmd)
		if err != nil {
			return nil, fmt.Errorf("tre: marshaling command for dispatch: %w", err)
		}
		if err := p.dispatcher.Dispatch(ctx, req.Target, commandJSON); err != nil {
			action.ExecutionStatus = model.ExecutionFailed
		} else {
			action.ExecutionStatus = model.ExecutionSucceeded
		}
	}

	entry, ledgerErr := p.appendLedgerResult("tre", model.ActionTREActionExecuted, req.Target, req.IssuedByUserID, map[string]any{
		"command_id": commandID, "action_type": req.ActionType, "status": action.ExecutionStatus,
	})
	if ledgerErr == nil && entry != nil {
		action.LedgerEntryID = entry.LedgerEntryID
	}

	if p.actions != nil {
		if err := p.actions.CreateAction(ctx, action); err != nil {
			return nil, fmt.Errorf("tre: persisting response action: %w", err)
		}
	}

	// Step 9: attestation requirement for DESTRUCTIVE actions that actually
	// executed (a DRY_RUN simulation never touched a host, so nothing needs
	// attesting).
	if destructive && action.ExecutionStatus == model.ExecutionSucceeded && p.attestations != nil {
		att := &model.IncidentAttestation{
			AttestationID:  uuid.NewString(),
			IncidentID:     req.IncidentID,
			ActionID:       action.ActionID,
			ApproverUserID: req.IssuedByUserID,
			CreatedAt:      now,
		}
		if err := p.attestations.CreateAttestation(ctx, att); err != nil {
			return nil, fmt.Errorf("tre: creating pending attestation: %w", err)
		}
	}

	return &Decision{
		Allowed:   true,
		Simulated: status == model.ExecutionSimulated,
		Reason:    "executed",
		Command:   cmd,
	}, nil
}

func (p *Pipeline) appendLedgerResult(component, actionType, subject, actor string, payload map[string]any) (*model.LedgerEntry, error) {
	if p.ledger == nil {
		return nil, nil
	}
	return p.ledger.Append(component, actionType, subject, actor, payload)
}

func (p *Pipeline) resolveBlastRadius(ctx context.Context, scope model.BlastScope, target string) (int, error) {
	switch scope {
	case model.ScopeHost:
		if _, err := p.machines.GetMachine(ctx, target); err != nil {
			return 0, err
		}
		return 1, nil
	case model.ScopeGroup:
		return p.machines.CountInGroup(ctx, target)
	case model.ScopeNetwork:
		return p.machines.CountInNetwork(ctx, target)
	case model.ScopeGlobal:
		return p.machines.CountAll(ctx)
	default:
		return 0, fmt.Errorf("tre: unknown blast scope %q", scope)
	}
}

const (
	userRatePerMinute     = 10
	incidentRateTotal     = 25
	emergencyRatePerIncident = 2
	hostRatePer10Min      = 5
)

func (p *Pipeline) checkRateLimits(req Request, now time.Time) *Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	userLimiter, ok := p.userLimiters[req.IssuedByUserID]
	if !ok {
		userLimiter = rate.NewLimiter(rate.Every(time.Minute/userRatePerMinute), userRatePerMinute)
		p.userLimiters[req.IssuedByUserID] = userLimiter
	}
	if !userLimiter.AllowN(now, 1) {
		return deny("per-user rate limit exceeded", ViolationRateLimited)
	}

	hostLimiter, ok := p.hostLimiters[req.Target]
	if !ok {
		hostLimiter = rate.NewLimiter(rate.Every(10*time.Minute/hostRatePer10Min), hostRatePer10Min)
		p.hostLimiters[req.Target] = hostLimiter
	}
	if !hostLimiter.AllowN(now, 1) {
		return deny("per-host rate limit exceeded", ViolationRateLimited)
	}

	limit := incidentRateTotal
	if req.Emergency {
		limit = emergencyRatePerIncident
	}
	key := req.IncidentID
	if req.Emergency {
		key = "emergency:" + req.Target
	}
	if p.incidentCounts[key] >= limit {
		violation := ViolationRateLimited
		if req.Emergency {
			violation = ViolationEmergencyLimitHit
		}
		return deny("per-incident action limit exceeded", violation)
	}
	p.incidentCounts[key]++

	return nil
}

// ReopenIncident implements step 10's reopen path: once CLOSED or
// RESOLVED_WITH_ACTIONS, only a SUPER_ADMIN with a justification of at
// least ten characters can reopen an incident.
func (p *Pipeline) ReopenIncident(ctx context.Context, incidentID string, role model.IssuedByRole, justification string) error {
	if role != model.RoleSuperAdmin {
		return fmt.Errorf("tre: reopening an incident requires SUPER_ADMIN")
	}
	if len(justification) < 10 {
		return fmt.Errorf("tre: reopen justification must be at least 10 characters")
	}
	incident, err := p.incidents.Get(ctx, incidentID)
	if err != nil {
		return fmt.Errorf("tre: loading incident: %w", err)
	}
	incident.Status = model.IncidentOpen
	if err := p.incidents.Update(ctx, incident); err != nil {
		return fmt.Errorf("tre: reopening incident: %w", err)
	}
	p.appendLedger("tre", model.ActionIncidentReopened, incidentID, string(role), map[string]any{"justification": justification})
	return nil
}

// SubmitAttestation records one side (executor or approver) of a pending
// attestation. Once both sides are in, it emits post_incident_attested.
func (p *Pipeline) SubmitAttestation(ctx context.Context, actionID, userID string, asApprover bool) error {
	att, err := p.attestations.GetAttestationByAction(ctx, actionID)
	if err != nil {
		return fmt.Errorf("tre: loading attestation: %w", err)
	}
	if asApprover {
		att.ApproverUserID = userID
		att.ApproverAttested = true
	} else {
		att.ExecutorUserID = userID
		att.ExecutorAttested = true
	}
	if err := p.attestations.UpdateAttestation(ctx, att); err != nil {
		return fmt.Errorf("tre: updating attestation: %w", err)
	}
	if att.Satisfied() {
		p.appendLedger("tre", model.ActionPostIncidentAttested, att.IncidentID, userID, map[string]any{"action_id": actionID})
	}
	return nil
}
