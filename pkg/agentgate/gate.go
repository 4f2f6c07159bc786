// Package agentgate implements the single intake point on a managed host
// for signed commands: default DENY, no trust placed in the network or any
// UI layer above it (spec §4.7). Every accepted or rejected command is
// recorded to a local audit log independent of the central ledger, since
// the gate must keep evidence of its own decisions even while Core is
// unreachable.
package agentgate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ransomeye/trustcore/pkg/canonicalize"
	"github.com/ransomeye/trustcore/pkg/crypto"
	"github.com/ransomeye/trustcore/pkg/model"
	"github.com/ransomeye/trustcore/pkg/tre"
)

// Reason is the frozen rejection-reason vocabulary from the §4.7 table.
type Reason string

const (
	ReasonSchema                Reason = "schema_invalid"
	ReasonExpired               Reason = "expired"
	ReasonClockSkew             Reason = "clock_skew"
	ReasonSignatureMismatch     Reason = "signature_mismatch"
	ReasonIssuerUntrusted       Reason = "issuer_untrusted"
	ReasonRBACFieldMissing      Reason = "rbac_field_missing"
	ReasonPolicyAuthorityMissing Reason = "policy_authority_missing"
	ReasonApprovalRequired      Reason = "approval_required"
	ReasonReplay                Reason = "replay"
	ReasonRateLimited           Reason = "rate_limited"
	ReasonPolicyDenied          Reason = "policy_denied"
)

// freshnessSkew is the §4.7 step-2 tolerance: |issued_at - now| <= 60s.
const freshnessSkew = 60 * time.Second

// commandRateLimit is the §4.7 step-9 ceiling: <=100 commands/minute.
const commandRateLimit = 100

// Decision is the gate's verdict on one wire command.
type Decision struct {
	Allowed bool
	Reason  Reason
	Detail  string
	Command *model.SignedCommand
}

// Gate holds everything the ten-step pipeline needs. It is grounded on
// pkg/tre.Pipeline's and pkg/ingest.Gateway's shared shape: a small set of
// injected dependencies, a sequential fail-fast Check method, and an
// injectable clock for deterministic tests.
type Gate struct {
	registry *crypto.Registry
	treKeyID string
	nonces   *nonceCache
	limiter  *rate.Limiter
	policy   *PolicyChecker
	audit    *AuditLogger
	clock    func() time.Time
}

// New constructs a Gate. A nil registry is fatal — per §4.7, "the verifier
// is initialized once at startup; a missing crypto library is fatal at that
// point" — so this package never silently degrades to an unverified mode.
func New(registry *crypto.Registry, treKeyID string, nonceCacheSize int, policy *PolicyChecker, audit *AuditLogger) (*Gate, error) {
	if registry == nil {
		return nil, fmt.Errorf("agentgate: crypto registry unavailable, cannot start")
	}
	if treKeyID == "" {
		return nil, fmt.Errorf("agentgate: configured TRE key_id is empty, cannot start")
	}
	return &Gate{
		registry: registry,
		treKeyID: treKeyID,
		nonces:   newNonceCache(nonceCacheSize),
		limiter:  rate.NewLimiter(rate.Limit(commandRateLimit)/60, commandRateLimit),
		policy:   policy,
		audit:    audit,
		clock:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the gate's clock, for deterministic tests.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Check runs the ten-step pipeline over one wire command and returns the
// gate's verdict. Every outcome, accepted or rejected, is appended to the
// local JSONL audit log before Check returns.
func (g *Gate) Check(ctx context.Context, raw []byte) Decision {
	now := g.clock()

	// Step 1: schema.
	cmd, reason, detail := validateSchema(raw)
	if reason != "" {
		g.logOutcome(now, "", "", OutcomeRejected, string(reason), detail)
		return Decision{Allowed: false, Reason: reason, Detail: detail}
	}

	// Step 2: freshness.
	fresh := crypto.CheckFreshness(cmd.IssuedAt, cmd.ExpiresAt, now, freshnessSkew)
	if !fresh.OK {
		r := ReasonExpired
		if fresh.Reason == "clock_skew" {
			r = ReasonClockSkew
		}
		return g.reject(now, cmd, r, fresh.Reason)
	}

	// Step 3: signature.
	signingBytes, err := canonicalize.CommandSigningBytes(*cmd)
	if err != nil {
		return g.reject(now, cmd, ReasonSchema, fmt.Sprintf("canonicalizing command: %v", err))
	}
	verifyResult := crypto.VerifySignature(g.registry, cmd.SigningKeyID, cmd.Signature, signingBytes)
	if !verifyResult.OK {
		return g.reject(now, cmd, ReasonSignatureMismatch, verifyResult.Reason)
	}

	// Step 4: issuer-key match.
	if cmd.SigningKeyID != g.treKeyID {
		return g.reject(now, cmd, ReasonIssuerUntrusted, "signing_key_id does not match configured TRE key")
	}

	// Step 5: RBAC field presence.
	if !model.AllIssuedByRoles[cmd.IssuedByRole] || cmd.IssuedByUserID == "" {
		return g.reject(now, cmd, ReasonRBACFieldMissing, "issued_by_role/issued_by_user_id missing or unrecognized")
	}

	// Step 6: policy authority presence.
	if cmd.PolicyID == "" || cmd.PolicyVersion == "" || !model.AllIssuingAuthorities[cmd.IssuingAuthority] {
		return g.reject(now, cmd, ReasonPolicyAuthorityMissing, "policy_id/policy_version/issuing_authority missing or unrecognized")
	}

	// Step 7: approval required for destructive actions in full enforcement.
	if tre.Classify(cmd.ActionType) && cmd.TREMode == model.ModeFullEnforce && cmd.ApprovalID == "" {
		return g.reject(now, cmd, ReasonApprovalRequired, "destructive action in FULL_ENFORCE without approval_id")
	}

	// Step 8: idempotency / replay.
	if g.nonces.SeenOrAdd(cmd.CommandID) {
		return g.reject(now, cmd, ReasonReplay, "command_id already processed")
	}

	// Step 9: rate limit.
	if !g.limiter.Allow() {
		return g.reject(now, cmd, ReasonRateLimited, "exceeded 100 commands/min")
	}

	// Step 10: cached-policy check when Core is unreachable.
	if g.policy != nil {
		allowed, why := g.policy.Allow(ctx, cmd.ActionType)
		if !allowed {
			return g.reject(now, cmd, ReasonPolicyDenied, why)
		}
	}

	g.logOutcome(now, cmd.CommandID, string(cmd.ActionType), OutcomeAccepted, "", "")
	return Decision{Allowed: true, Command: cmd}
}

func (g *Gate) reject(now time.Time, cmd *model.SignedCommand, reason Reason, detail string) Decision {
	commandID, actionType := "", ""
	if cmd != nil {
		commandID, actionType = cmd.CommandID, string(cmd.ActionType)
	}
	g.logOutcome(now, commandID, actionType, OutcomeRejected, string(reason), detail)
	return Decision{Allowed: false, Reason: reason, Detail: detail, Command: cmd}
}

func (g *Gate) logOutcome(now time.Time, commandID, actionType string, outcome AuditOutcome, reason, detail string) {
	if g.audit == nil {
		return
	}
	msg := reason
	if detail != "" {
		msg = reason + ": " + detail
	}
	_ = g.audit.Log(now, commandID, actionType, outcome, msg)
}

// validateSchema implements §4.7 step 1: required fields present, enums
// within their frozen sets, UUIDs parse, and (via json.Unmarshal's own
// RFC-3339 handling of time.Time fields) timestamps are well-formed.
func validateSchema(raw []byte) (*model.SignedCommand, Reason, string) {
	var cmd model.SignedCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, ReasonSchema, fmt.Sprintf("malformed command JSON: %v", err)
	}

	required := map[string]string{
		"command_id":         cmd.CommandID,
		"target":             cmd.Target,
		"issued_by_user_id":  cmd.IssuedByUserID,
		"rollback_token":     cmd.RollbackToken,
		"policy_id":          cmd.PolicyID,
		"policy_version":     cmd.PolicyVersion,
		"signature":          cmd.Signature,
		"signing_key_id":     cmd.SigningKeyID,
	}
	for field, value := range required {
		if value == "" {
			return nil, ReasonSchema, fmt.Sprintf("missing required field: %s", field)
		}
	}

	if _, err := uuid.Parse(cmd.CommandID); err != nil {
		return nil, ReasonSchema, "command_id is not a valid UUID"
	}
	if cmd.ApprovalID != "" {
		if _, err := uuid.Parse(cmd.ApprovalID); err != nil {
			return nil, ReasonSchema, "approval_id is not a valid UUID"
		}
	}

	switch {
	case !model.AllActionTypes[cmd.ActionType]:
		return nil, ReasonSchema, "action_type not in frozen set"
	case !model.AllTREModes[cmd.TREMode]:
		return nil, ReasonSchema, "tre_mode not in frozen set"
	case !model.AllIssuedByRoles[cmd.IssuedByRole]:
		return nil, ReasonSchema, "issued_by_role not in frozen set"
	case !model.AllIssuingAuthorities[cmd.IssuingAuthority]:
		return nil, ReasonSchema, "issuing_authority not in frozen set"
	}
	switch cmd.BlastScope {
	case model.ScopeHost, model.ScopeGroup, model.ScopeNetwork, model.ScopeGlobal:
	default:
		return nil, ReasonSchema, "blast_scope not in frozen set"
	}

	if cmd.IssuedAt.IsZero() || cmd.ExpiresAt.IsZero() {
		return nil, ReasonSchema, "issued_at/expires_at missing"
	}

	return &cmd, "", ""
}
