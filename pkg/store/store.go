// Package store persists the trust core's relational state — raw events,
// incidents, evidence, response actions, and their supporting tables — behind
// one set of interfaces with interchangeable Postgres and embedded-SQLite
// backends (the dual-backend "lite mode" fallback named in the ambient
// stack).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ransomeye/trustcore/pkg/model"
)

var (
	ErrNotFound         = errors.New("store: record not found")
	ErrDuplicateEventID = errors.New("store: duplicate event_id")
	ErrReadOnlyWrite    = errors.New("store: write attempted on read-only connection")
)

// RawEventStore persists validated telemetry envelopes as raw_events rows.
type RawEventStore interface {
	Insert(ctx context.Context, event *model.RawEvent) error
	GetByEventID(ctx context.Context, eventID string) (*model.RawEvent, error)
	ListSince(ctx context.Context, since time.Time, limit int) ([]*model.RawEvent, error)
}

// IncidentStore persists correlation-engine incidents and their stage
// transitions.
type IncidentStore interface {
	Create(ctx context.Context, incident *model.Incident) error
	Get(ctx context.Context, incidentID string) (*model.Incident, error)
	Update(ctx context.Context, incident *model.Incident) error
	ListOpenWithinWindow(ctx context.Context, dedupKey string, since time.Time) ([]*model.Incident, error)
	AppendStageTransition(ctx context.Context, t *model.IncidentStageTransition) error
}

// ComponentInstanceStore persists each component instance's hash-chain
// bookkeeping across restarts, so the ingest gateway's continuity check
// (§4.3 steps 8-9) survives a process bounce without replaying history.
type ComponentInstanceStore interface {
	GetChainState(ctx context.Context, componentInstanceID string) (model.ComponentInstanceState, bool, error)
	UpsertChainState(ctx context.Context, state model.ComponentInstanceState) error
}

// MachineStore resolves the target-set cardinality a blast-radius scope
// expands to: HOST is always one machine, GROUP/NETWORK/GLOBAL resolve
// against this inventory.
type MachineStore interface {
	GetMachine(ctx context.Context, machineID string) (model.Machine, error)
	CountInGroup(ctx context.Context, groupID string) (int, error)
	CountInNetwork(ctx context.Context, networkID string) (int, error)
	CountAll(ctx context.Context) (int, error)
}

// MachineInventoryStore writes the inventory rows MachineStore resolves
// blast-radius scopes against. Kept separate from MachineStore because the
// write path belongs to inventory sync, not the TRE pipeline, which only
// ever reads it.
type MachineInventoryStore interface {
	UpsertMachine(ctx context.Context, m model.Machine) error
}

// PolicyDecisionStore persists policy-engine evaluations, and is the
// idempotency marker of §4.5: an existing decision for an incident means
// that incident has already been evaluated this pass.
type PolicyDecisionStore interface {
	CreateDecision(ctx context.Context, decision *model.PolicyDecision) error
	GetDecisionByIncident(ctx context.Context, incidentID string) (*model.PolicyDecision, error)
}

// EvidenceStore persists the per-event evidence rows the correlation engine
// links to incidents, and is the idempotency check of §4.4 step 1: an
// existing evidence row for an event_id means that event has already been
// linked and must never be linked again.
type EvidenceStore interface {
	CreateEvidence(ctx context.Context, evidence *model.Evidence) error
	GetEvidenceByEventID(ctx context.Context, eventID string) (*model.Evidence, error)
	ListEvidenceByIncident(ctx context.Context, incidentID string) ([]*model.Evidence, error)
}

// HAFApprovalStore persists human-authority approvals keyed by a
// deterministic action key (incident_id:action_type:target — no
// response_action row exists yet when an approval is first requested, since
// approval precedes dispatch), the lookup TRE's HAF check (§4.6 step 5)
// performs before every destructive or wide-blast-radius dispatch.
type HAFApprovalStore interface {
	CreateApproval(ctx context.Context, approval *model.HAFApproval, actionKey string) error
	GetLatestByActionKey(ctx context.Context, actionKey string) (*model.HAFApproval, error)
	UpdateApprovalStatus(ctx context.Context, approvalID string, status model.ApprovalStatus, decidedAt time.Time) error
}

// ResponseActionStore persists dispatched (or simulated) TRE actions.
type ResponseActionStore interface {
	CreateAction(ctx context.Context, action *model.ResponseAction) error
	GetActionByRollbackToken(ctx context.Context, rollbackToken string) (*model.ResponseAction, error)
}

// AttestationStore persists post-execution incident attestations.
type AttestationStore interface {
	CreateAttestation(ctx context.Context, att *model.IncidentAttestation) error
	GetAttestationByAction(ctx context.Context, actionID string) (*model.IncidentAttestation, error)
	UpdateAttestation(ctx context.Context, att *model.IncidentAttestation) error
}

// PoolConfig bounds the connection pool per the ambient-stack requirement of
// a minimum-2/maximum-20 pool with READ_COMMITTED isolation.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns the bounded pool settings: at most 20 open
// connections, with up to 2 kept idle for reuse. database/sql keeps no
// minimum number of connections open.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

func applyPool(db *sql.DB, cfg PoolConfig) {
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
}

// beginReadCommitted starts a transaction at READ_COMMITTED isolation, the
// discipline mandated for every ingest write (§6).
func beginReadCommitted(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("store: beginning transaction: %w", err)
	}
	return tx, nil
}

func unmarshalDecision(row rowScanner) (*model.PolicyDecision, error) {
	var d model.PolicyDecision
	var commandJSON []byte
	if err := row.Scan(&d.DecisionID, &d.IncidentID, &d.ShouldRecommend, &d.ActionType, &d.Reason, &commandJSON, &d.EvaluatedAt); err != nil {
		return nil, fmt.Errorf("store: scanning policy decision: %w", err)
	}
	if len(commandJSON) > 0 {
		var cmd model.SignedCommand
		if err := json.Unmarshal(commandJSON, &cmd); err != nil {
			return nil, fmt.Errorf("store: unmarshaling decision command: %w", err)
		}
		d.Command = &cmd
	}
	return &d, nil
}

func unmarshalEvidence(row rowScanner) (*model.Evidence, error) {
	var ev model.Evidence
	if err := row.Scan(&ev.IncidentID, &ev.EventID, &ev.EvidenceType, &ev.ConfidenceLevel,
		&ev.ConfidenceScore, &ev.Contradicted); err != nil {
		return nil, fmt.Errorf("store: scanning evidence: %w", err)
	}
	return &ev, nil
}

func unmarshalApproval(row rowScanner) (*model.HAFApproval, error) {
	var a model.HAFApproval
	var decidedAt sql.NullTime
	if err := row.Scan(&a.ApprovalID, &a.ActionID, &a.RequestedBy, &a.ApproverUserID, &a.ApproverRole,
		&a.Status, &a.RequestedAt, &decidedAt, &a.ExpiresAt, &a.LedgerEntryID); err != nil {
		return nil, fmt.Errorf("store: scanning haf approval: %w", err)
	}
	if decidedAt.Valid {
		a.DecidedAt = decidedAt.Time
	}
	return &a, nil
}

func unmarshalAttestation(row rowScanner) (*model.IncidentAttestation, error) {
	var a model.IncidentAttestation
	if err := row.Scan(&a.AttestationID, &a.IncidentID, &a.ActionID, &a.ExecutorUserID, &a.ExecutorAttested,
		&a.ApproverUserID, &a.ApproverAttested, &a.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: scanning attestation: %w", err)
	}
	return &a, nil
}

func unmarshalResponseAction(row rowScanner) (*model.ResponseAction, error) {
	var ra model.ResponseAction
	var commandJSON []byte
	if err := row.Scan(&ra.ActionID, &commandJSON, &ra.ExecutionStatus, &ra.RollbackCapable, &ra.LedgerEntryID, &ra.ExecutedAt); err != nil {
		return nil, fmt.Errorf("store: scanning response action: %w", err)
	}
	if err := json.Unmarshal(commandJSON, &ra.Command); err != nil {
		return nil, fmt.Errorf("store: unmarshaling response action command: %w", err)
	}
	return &ra, nil
}

// isUniqueViolation reports whether err represents a unique-constraint
// violation, recognized across both the Postgres (lib/pq, SQLSTATE 23505)
// and SQLite (modernc.org/sqlite, "UNIQUE constraint failed") drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"23505", "UNIQUE constraint failed", "duplicate key value"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
