// Package policy implements the read-only recommendation engine: a
// single-threaded batch pass over unresolved incidents that produces
// simulated, signed commands without ever dispatching them. Enforcement is
// always the TRE pipeline's decision (pkg/tre), not this package's.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/ransomeye/trustcore/pkg/canonicalize"
	"github.com/ransomeye/trustcore/pkg/crypto"
	"github.com/ransomeye/trustcore/pkg/model"
	"github.com/ransomeye/trustcore/pkg/store"
)

// Rule is one CEL boolean expression evaluated against an incident, plus
// the action it recommends when the expression is true. Rules are
// evaluated in order; the first match wins.
type Rule struct {
	Name       string
	Expression string
	ActionType model.ActionType
	Reason     string
}

// Engine evaluates incidents against a fixed rule set, compiling and
// caching each CEL program once, the way the rest of this module's
// CEL-backed policy evaluation always has.
type Engine struct {
	env   *cel.Env
	rules []Rule

	mu       sync.RWMutex
	programs map[string]cel.Program

	decisions store.PolicyDecisionStore
	incidents store.IncidentStore
	signer    crypto.Signer

	policyID      string
	policyVersion string

	clock func() time.Time
}

// New builds an Engine. policyID/policyVersion are stamped onto every
// command the engine produces, per §4.5.
func New(decisions store.PolicyDecisionStore, incidents store.IncidentStore, signer crypto.Signer, policyID, policyVersion string, rules []Rule) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("incident", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: creating CEL environment: %w", err)
	}
	return &Engine{
		env:           env,
		rules:         rules,
		programs:      make(map[string]cel.Program),
		decisions:     decisions,
		incidents:     incidents,
		signer:        signer,
		policyID:      policyID,
		policyVersion: policyVersion,
		clock:         time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func incidentToCELInput(incident *model.Incident) map[string]any {
	return map[string]any{
		"incident_id":      incident.IncidentID,
		"machine_id":       incident.MachineID,
		"current_stage":    string(incident.CurrentStage),
		"confidence_score": incident.ConfidenceScore,
		"status":           string(incident.Status),
		"evidence_count":   incident.TotalEvidenceCount,
	}
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compiling rule %q: %w", expr, issues.Err())
	}
	program, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10_000))
	if err != nil {
		return nil, fmt.Errorf("policy: building program for %q: %w", expr, err)
	}
	e.programs[expr] = program
	return program, nil
}

func (e *Engine) evaluate(incident *model.Incident) (Rule, bool, error) {
	input := map[string]any{"incident": incidentToCELInput(incident)}
	for _, rule := range e.rules {
		prg, err := e.program(rule.Expression)
		if err != nil {
			return Rule{}, false, err
		}
		out, _, err := prg.Eval(input)
		if err != nil {
			return Rule{}, false, fmt.Errorf("policy: evaluating rule %q: %w", rule.Name, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return Rule{}, false, fmt.Errorf("policy: rule %q did not evaluate to bool", rule.Name)
		}
		if matched {
			return rule, true, nil
		}
	}
	return Rule{}, false, nil
}

// EvaluateIncident runs the idempotency check and rule evaluation for one
// incident, recording a PolicyDecision regardless of outcome (a
// should_recommend=false decision still records that the incident was
// evaluated this pass, so a re-run of the same batch never double-fires).
func (e *Engine) EvaluateIncident(ctx context.Context, incident *model.Incident) (*model.PolicyDecision, error) {
	existing, err := e.decisions.GetDecisionByIncident(ctx, incident.IncidentID)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("policy: checking existing decision: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := e.clock()
	rule, matched, err := e.evaluate(incident)
	if err != nil {
		return nil, err
	}

	decision := &model.PolicyDecision{
		DecisionID:      uuid.NewString(),
		IncidentID:      incident.IncidentID,
		ShouldRecommend: matched,
		EvaluatedAt:     now,
	}

	if matched {
		decision.ActionType = rule.ActionType
		decision.Reason = rule.Reason

		cmd, err := e.buildCommand(incident, rule, now)
		if err != nil {
			return nil, err
		}
		decision.Command = cmd
	}

	if err := e.decisions.CreateDecision(ctx, decision); err != nil {
		return nil, fmt.Errorf("policy: recording decision: %w", err)
	}
	return decision, nil
}

func (e *Engine) buildCommand(incident *model.Incident, rule Rule, now time.Time) (*model.SignedCommand, error) {
	commandID := uuid.NewString()
	cmd := &model.SignedCommand{
		CommandID:        commandID,
		ActionType:       rule.ActionType,
		Target:           incident.MachineID,
		BlastScope:       model.ScopeHost,
		TargetCount:      1,
		IncidentID:       incident.IncidentID,
		TREMode:          model.ModeDryRun,
		IssuedByRole:     model.RoleSystem,
		IssuedAt:         now,
		ExpiresAt:        now.Add(time.Hour),
		RollbackToken:    rollbackToken(commandID, rule.ActionType),
		PolicyID:         e.policyID,
		PolicyVersion:    e.policyVersion,
		IssuingAuthority: model.AuthorityPolicyEngine,
	}

	signingBytes, err := canonicalize.CommandSigningBytes(cmd)
	if err != nil {
		return nil, fmt.Errorf("policy: canonicalizing command: %w", err)
	}
	sig, err := e.signer.Sign(signingBytes)
	if err != nil {
		return nil, fmt.Errorf("policy: signing command: %w", err)
	}
	cmd.Signature = sig
	cmd.SigningKeyID = e.signer.KeyID()
	cmd.SigningAlgorithm = "ed25519"
	cmd.SignedAt = now
	return cmd, nil
}

func rollbackToken(commandID string, actionType model.ActionType) string {
	sum := sha256.Sum256([]byte(commandID + ":" + string(actionType)))
	return hex.EncodeToString(sum[:])
}

// RunBatch evaluates every incident in incidents, returning the decisions
// produced. Callers (the daemon loop) pass the set of currently unresolved
// incidents already loaded from the store.
func (e *Engine) RunBatch(ctx context.Context, incidents []*model.Incident) ([]*model.PolicyDecision, error) {
	decisions := make([]*model.PolicyDecision, 0, len(incidents))
	for _, incident := range incidents {
		decision, err := e.EvaluateIncident(ctx, incident)
		if err != nil {
			return decisions, err
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}
