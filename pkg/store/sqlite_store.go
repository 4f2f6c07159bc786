package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ransomeye/trustcore/pkg/model"
)

// SQLiteStore implements RawEventStore and IncidentStore against an
// embedded SQLite database file — the "lite mode" fallback used when no
// Postgres cluster is available.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) the SQLite database at path.
// SQLite serializes writers internally, so the pool is capped at one
// connection to avoid "database is locked" errors under concurrent writers.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStoreWithSchema opens path and applies Schema, for callers (lite
// mode bootstrap, tests) that need a ready-to-use database rather than
// managing migrations separately.
func NewSQLiteStoreWithSchema(path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(Schema); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Insert(ctx context.Context, event *model.RawEvent) error {
	tx, err := beginReadCommitted(ctx, s.db)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	payload, err := json.Marshal(event.Envelope)
	if err != nil {
		return fmt.Errorf("store: marshaling envelope: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO raw_events (event_id, machine_id, component, component_instance_id, observed_at, sequence, envelope, validation_status, late_arrival)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Envelope.EventID, event.Envelope.MachineID, event.Envelope.Component,
		event.Envelope.ComponentInstanceID, event.Envelope.ObservedAt, event.Envelope.Sequence,
		payload, event.ValidationStatus, event.LateArrival,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEventID
		}
		return fmt.Errorf("store: inserting raw event: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetByEventID(ctx context.Context, eventID string) (*model.RawEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT envelope, validation_status, late_arrival FROM raw_events WHERE event_id = ?`, eventID)
	event, err := unmarshalRawEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return event, nil
}

func (s *SQLiteStore) ListSince(ctx context.Context, since time.Time, limit int) ([]*model.RawEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope, validation_status, late_arrival FROM raw_events
		WHERE observed_at >= ? ORDER BY observed_at ASC LIMIT ?`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing raw events: %w", err)
	}
	defer rows.Close()

	var events []*model.RawEvent
	for rows.Next() {
		event, err := unmarshalRawEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) Create(ctx context.Context, incident *model.Incident) error {
	tx, err := beginReadCommitted(ctx, s.db)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO incidents (incident_id, dedup_key, machine_id, current_stage, status, confidence_score, first_observed_at, last_observed_at, total_evidence_count, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		incident.IncidentID, incident.DedupKey, incident.MachineID, incident.CurrentStage, incident.Status,
		incident.ConfidenceScore, incident.FirstObservedAt, incident.LastObservedAt,
		incident.TotalEvidenceCount, incident.Resolved,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: duplicate incident creation: %w", err)
		}
		return fmt.Errorf("store: creating incident: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, incidentID string) (*model.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT incident_id, dedup_key, machine_id, current_stage, status, confidence_score, first_observed_at, last_observed_at, total_evidence_count, resolved
		FROM incidents WHERE incident_id = ?`, incidentID)
	inc, err := unmarshalIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return inc, nil
}

func (s *SQLiteStore) Update(ctx context.Context, incident *model.Incident) error {
	tx, err := beginReadCommitted(ctx, s.db)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		UPDATE incidents SET current_stage = ?, status = ?, confidence_score = ?, last_observed_at = ?,
		total_evidence_count = ?, resolved = ?
		WHERE incident_id = ?`,
		incident.CurrentStage, incident.Status, incident.ConfidenceScore, incident.LastObservedAt,
		incident.TotalEvidenceCount, incident.Resolved, incident.IncidentID,
	)
	if err != nil {
		return fmt.Errorf("store: updating incident: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListOpenWithinWindow(ctx context.Context, dedupKey string, since time.Time) ([]*model.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, dedup_key, machine_id, current_stage, status, confidence_score, first_observed_at, last_observed_at, total_evidence_count, resolved
		FROM incidents WHERE dedup_key = ? AND status = ? AND first_observed_at >= ?`,
		dedupKey, model.IncidentOpen, since,
	)
	if err != nil {
		return nil, fmt.Errorf("store: listing open incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*model.Incident
	for rows.Next() {
		inc, err := unmarshalIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func (s *SQLiteStore) AppendStageTransition(ctx context.Context, t *model.IncidentStageTransition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_stages (incident_id, from_stage, to_stage, confidence_score, transitioned_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.IncidentID, t.FromStage, t.ToStage, t.ConfidenceScore, t.TransitionedAt,
	)
	if err != nil {
		return fmt.Errorf("store: appending stage transition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateEvidence(ctx context.Context, evidence *model.Evidence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence (incident_id, event_id, evidence_type, confidence_level, confidence_score, contradicted)
		VALUES (?, ?, ?, ?, ?, ?)`,
		evidence.IncidentID, evidence.EventID, evidence.EvidenceType, evidence.ConfidenceLevel,
		evidence.ConfidenceScore, evidence.Contradicted,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEventID
		}
		return fmt.Errorf("store: creating evidence: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEvidenceByEventID(ctx context.Context, eventID string) (*model.Evidence, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT incident_id, event_id, evidence_type, confidence_level, confidence_score, contradicted
		FROM evidence WHERE event_id = ?`, eventID)
	ev, err := unmarshalEvidence(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ev, nil
}

func (s *SQLiteStore) ListEvidenceByIncident(ctx context.Context, incidentID string) ([]*model.Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, event_id, evidence_type, confidence_level, confidence_score, contradicted
		FROM evidence WHERE incident_id = ?`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("store: listing evidence: %w", err)
	}
	defer rows.Close()

	var out []*model.Evidence
	for rows.Next() {
		ev, err := unmarshalEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetChainState(ctx context.Context, componentInstanceID string) (model.ComponentInstanceState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT component_instance_id, machine_id, boot_id, last_sequence, last_hash_sha256, last_ingested_at
		FROM component_instances WHERE component_instance_id = ?`, componentInstanceID)
	var st model.ComponentInstanceState
	if err := row.Scan(&st.ComponentInstanceID, &st.MachineID, &st.BootID, &st.LastSequence, &st.LastHashSHA256, &st.LastIngestedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ComponentInstanceState{}, false, nil
		}
		return model.ComponentInstanceState{}, false, fmt.Errorf("store: scanning component instance state: %w", err)
	}
	return st, true, nil
}

func (s *SQLiteStore) UpsertChainState(ctx context.Context, state model.ComponentInstanceState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO component_instances (component_instance_id, machine_id, boot_id, last_sequence, last_hash_sha256, last_ingested_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(component_instance_id) DO UPDATE SET
			machine_id = excluded.machine_id, boot_id = excluded.boot_id, last_sequence = excluded.last_sequence,
			last_hash_sha256 = excluded.last_hash_sha256, last_ingested_at = excluded.last_ingested_at`,
		state.ComponentInstanceID, state.MachineID, state.BootID, state.LastSequence, state.LastHashSHA256, state.LastIngestedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upserting component instance state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMachine(ctx context.Context, machineID string) (model.Machine, error) {
	row := s.db.QueryRowContext(ctx, `SELECT machine_id, group_id, network_id, hostname FROM machines WHERE machine_id = ?`, machineID)
	var m model.Machine
	if err := row.Scan(&m.MachineID, &m.GroupID, &m.NetworkID, &m.Hostname); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Machine{}, ErrNotFound
		}
		return model.Machine{}, fmt.Errorf("store: scanning machine: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) UpsertMachine(ctx context.Context, m model.Machine) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO machines (machine_id, group_id, network_id, hostname)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(machine_id) DO UPDATE SET
			group_id = excluded.group_id, network_id = excluded.network_id, hostname = excluded.hostname`,
		m.MachineID, m.GroupID, m.NetworkID, m.Hostname,
	)
	if err != nil {
		return fmt.Errorf("store: upserting machine: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountInGroup(ctx context.Context, groupID string) (int, error) {
	return s.countWhere(ctx, "group_id = ?", groupID)
}

func (s *SQLiteStore) CountInNetwork(ctx context.Context, networkID string) (int, error) {
	return s.countWhere(ctx, "network_id = ?", networkID)
}

func (s *SQLiteStore) CountAll(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM machines`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting machines: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) countWhere(ctx context.Context, clause string, arg string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM machines WHERE `+clause, arg).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting machines: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CreateDecision(ctx context.Context, decision *model.PolicyDecision) error {
	var commandJSON []byte
	if decision.Command != nil {
		var err error
		commandJSON, err = json.Marshal(decision.Command)
		if err != nil {
			return fmt.Errorf("store: marshaling decision command: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_decisions (decision_id, incident_id, should_recommend, action_type, reason, command, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		decision.DecisionID, decision.IncidentID, decision.ShouldRecommend, decision.ActionType, decision.Reason, commandJSON, decision.EvaluatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: incident already evaluated: %w", err)
		}
		return fmt.Errorf("store: creating policy decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDecisionByIncident(ctx context.Context, incidentID string) (*model.PolicyDecision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT decision_id, incident_id, should_recommend, action_type, reason, command, evaluated_at
		FROM policy_decisions WHERE incident_id = ?`, incidentID)
	d, err := unmarshalDecision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func (s *SQLiteStore) CreateApproval(ctx context.Context, approval *model.HAFApproval, actionKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO haf_approvals (approval_id, action_key, action_id, requested_by, approver_user_id, approver_role, status, requested_at, decided_at, expires_at, ledger_entry_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		approval.ApprovalID, actionKey, approval.ActionID, approval.RequestedBy, approval.ApproverUserID,
		approval.ApproverRole, approval.Status, approval.RequestedAt, nullTime(approval.DecidedAt), approval.ExpiresAt, approval.LedgerEntryID,
	)
	if err != nil {
		return fmt.Errorf("store: creating haf approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLatestByActionKey(ctx context.Context, actionKey string) (*model.HAFApproval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT approval_id, action_id, requested_by, approver_user_id, approver_role, status, requested_at, decided_at, expires_at, ledger_entry_id
		FROM haf_approvals WHERE action_key = ? ORDER BY requested_at DESC LIMIT 1`, actionKey)
	a, err := unmarshalApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *SQLiteStore) UpdateApprovalStatus(ctx context.Context, approvalID string, status model.ApprovalStatus, decidedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE haf_approvals SET status = ?, decided_at = ? WHERE approval_id = ?`, status, decidedAt, approvalID)
	if err != nil {
		return fmt.Errorf("store: updating haf approval status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateAction(ctx context.Context, action *model.ResponseAction) error {
	commandJSON, err := json.Marshal(action.Command)
	if err != nil {
		return fmt.Errorf("store: marshaling response action command: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO response_actions (action_id, command, execution_status, rollback_capable, ledger_entry_id, executed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		action.ActionID, commandJSON, action.ExecutionStatus, action.RollbackCapable, action.LedgerEntryID, action.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("store: creating response action: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetActionByRollbackToken(ctx context.Context, rollbackToken string) (*model.ResponseAction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT action_id, command, execution_status, rollback_capable, ledger_entry_id, executed_at
		FROM response_actions WHERE json_extract(command, '$.rollback_token') = ?`, rollbackToken)
	ra, err := unmarshalResponseAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ra, nil
}

func (s *SQLiteStore) CreateAttestation(ctx context.Context, att *model.IncidentAttestation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_attestations (attestation_id, incident_id, action_id, executor_user_id, executor_attested, approver_user_id, approver_attested, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		att.AttestationID, att.IncidentID, att.ActionID, att.ExecutorUserID, att.ExecutorAttested,
		att.ApproverUserID, att.ApproverAttested, att.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: creating attestation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAttestationByAction(ctx context.Context, actionID string) (*model.IncidentAttestation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT attestation_id, incident_id, action_id, executor_user_id, executor_attested, approver_user_id, approver_attested, created_at
		FROM incident_attestations WHERE action_id = ?`, actionID)
	a, err := unmarshalAttestation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *SQLiteStore) UpdateAttestation(ctx context.Context, att *model.IncidentAttestation) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incident_attestations SET executor_attested = ?, approver_attested = ? WHERE attestation_id = ?`,
		att.ExecutorAttested, att.ApproverAttested, att.AttestationID,
	)
	if err != nil {
		return fmt.Errorf("store: updating attestation: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Schema returns the DDL used to initialize a fresh SQLite database in lite
// mode. Postgres deployments apply the equivalent schema via migration
// tooling outside this package.
const Schema = `
CREATE TABLE IF NOT EXISTS raw_events (
	event_id TEXT PRIMARY KEY,
	machine_id TEXT NOT NULL,
	component TEXT NOT NULL,
	component_instance_id TEXT NOT NULL,
	observed_at TIMESTAMP NOT NULL,
	sequence INTEGER NOT NULL,
	envelope BLOB NOT NULL,
	validation_status TEXT NOT NULL,
	late_arrival BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_raw_events_observed_at ON raw_events(observed_at);

CREATE TABLE IF NOT EXISTS incidents (
	incident_id TEXT PRIMARY KEY,
	dedup_key TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	current_stage TEXT NOT NULL,
	status TEXT NOT NULL,
	confidence_score REAL NOT NULL,
	first_observed_at TIMESTAMP NOT NULL,
	last_observed_at TIMESTAMP NOT NULL,
	total_evidence_count INTEGER NOT NULL DEFAULT 0,
	resolved BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_incidents_dedup_key ON incidents(dedup_key, status);

CREATE TABLE IF NOT EXISTS incident_stages (
	incident_id TEXT NOT NULL,
	from_stage TEXT NOT NULL,
	to_stage TEXT NOT NULL,
	confidence_score REAL NOT NULL,
	transitioned_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence (
	incident_id TEXT NOT NULL,
	event_id TEXT NOT NULL UNIQUE,
	evidence_type TEXT NOT NULL,
	confidence_level TEXT NOT NULL,
	confidence_score REAL NOT NULL,
	contradicted BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_evidence_incident_id ON evidence(incident_id);

CREATE TABLE IF NOT EXISTS component_instances (
	component_instance_id TEXT PRIMARY KEY,
	machine_id TEXT NOT NULL,
	boot_id TEXT NOT NULL,
	last_sequence INTEGER NOT NULL DEFAULT 0,
	last_hash_sha256 TEXT NOT NULL DEFAULT '',
	last_ingested_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS machines (
	machine_id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL DEFAULT '',
	network_id TEXT NOT NULL DEFAULT '',
	hostname TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS policy_decisions (
	decision_id TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL UNIQUE,
	should_recommend BOOLEAN NOT NULL,
	action_type TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	command BLOB,
	evaluated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS haf_approvals (
	approval_id TEXT PRIMARY KEY,
	action_key TEXT NOT NULL,
	action_id TEXT NOT NULL DEFAULT '',
	requested_by TEXT NOT NULL,
	approver_user_id TEXT NOT NULL DEFAULT '',
	approver_role TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	requested_at TIMESTAMP NOT NULL,
	decided_at TIMESTAMP,
	expires_at TIMESTAMP NOT NULL,
	ledger_entry_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_haf_approvals_action_key ON haf_approvals(action_key, requested_at);

CREATE TABLE IF NOT EXISTS response_actions (
	action_id TEXT PRIMARY KEY,
	command BLOB NOT NULL,
	execution_status TEXT NOT NULL,
	rollback_capable BOOLEAN NOT NULL DEFAULT 0,
	ledger_entry_id TEXT NOT NULL DEFAULT '',
	executed_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS incident_attestations (
	attestation_id TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL,
	action_id TEXT NOT NULL UNIQUE,
	executor_user_id TEXT NOT NULL DEFAULT '',
	executor_attested BOOLEAN NOT NULL DEFAULT 0,
	approver_user_id TEXT NOT NULL DEFAULT '',
	approver_attested BOOLEAN NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
`
