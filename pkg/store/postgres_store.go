package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ransomeye/trustcore/pkg/model"
)

// PostgresStore implements RawEventStore and IncidentStore against Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a bounded connection pool against dsn.
func NewPostgresStore(dsn string, pool PoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening postgres: %w", err)
	}
	applyPool(db, pool)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Insert(ctx context.Context, event *model.RawEvent) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
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

func (s *PostgresStore) GetByEventID(ctx context.Context, eventID string) (*model.RawEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT envelope, validation_status, late_arrival FROM raw_events WHERE event_id = $1`, eventID)
	return scanRawEvent(row)
}

func (s *PostgresStore) ListSince(ctx context.Context, since time.Time, limit int) ([]*model.RawEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope, validation_status, late_arrival FROM raw_events
		WHERE observed_at >= $1 ORDER BY observed_at ASC LIMIT $2`, since, limit)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func unmarshalRawEvent(row rowScanner) (*model.RawEvent, error) {
	var payload []byte
	var status string
	var late bool
	if err := row.Scan(&payload, &status, &late); err != nil {
		return nil, fmt.Errorf("store: scanning raw event: %w", err)
	}
	var env model.EventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("store: unmarshaling envelope: %w", err)
	}
	return &model.RawEvent{Envelope: env, ValidationStatus: model.ValidationStatus(status), LateArrival: late}, nil
}

func scanRawEvent(row *sql.Row) (*model.RawEvent, error) {
	event, err := unmarshalRawEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return event, nil
}

func (s *PostgresStore) Create(ctx context.Context, incident *model.Incident) error {
	tx, err := beginReadCommitted(ctx, s.db)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO incidents (incident_id, dedup_key, machine_id, current_stage, status, confidence_score, first_observed_at, last_observed_at, total_evidence_count, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
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

func (s *PostgresStore) Get(ctx context.Context, incidentID string) (*model.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT incident_id, dedup_key, machine_id, current_stage, status, confidence_score, first_observed_at, last_observed_at, total_evidence_count, resolved
		FROM incidents WHERE incident_id = $1`, incidentID)
	inc, err := unmarshalIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return inc, nil
}

func unmarshalIncident(row rowScanner) (*model.Incident, error) {
	var inc model.Incident
	if err := row.Scan(&inc.IncidentID, &inc.DedupKey, &inc.MachineID, &inc.CurrentStage, &inc.Status,
		&inc.ConfidenceScore, &inc.FirstObservedAt, &inc.LastObservedAt, &inc.TotalEvidenceCount, &inc.Resolved); err != nil {
		return nil, fmt.Errorf("store: scanning incident: %w", err)
	}
	return &inc, nil
}

func (s *PostgresStore) Update(ctx context.Context, incident *model.Incident) error {
	tx, err := beginReadCommitted(ctx, s.db)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		UPDATE incidents SET current_stage = $1, status = $2, confidence_score = $3, last_observed_at = $4,
		total_evidence_count = $5, resolved = $6
		WHERE incident_id = $7`,
		incident.CurrentStage, incident.Status, incident.ConfidenceScore, incident.LastObservedAt,
		incident.TotalEvidenceCount, incident.Resolved, incident.IncidentID,
	)
	if err != nil {
		return fmt.Errorf("store: updating incident: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ListOpenWithinWindow(ctx context.Context, dedupKey string, since time.Time) ([]*model.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, dedup_key, machine_id, current_stage, status, confidence_score, first_observed_at, last_observed_at, total_evidence_count, resolved
		FROM incidents WHERE dedup_key = $1 AND status = $2 AND first_observed_at >= $3`,
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

func (s *PostgresStore) AppendStageTransition(ctx context.Context, t *model.IncidentStageTransition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_stages (incident_id, from_stage, to_stage, confidence_score, transitioned_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.IncidentID, t.FromStage, t.ToStage, t.ConfidenceScore, t.TransitionedAt,
	)
	if err != nil {
		return fmt.Errorf("store: appending stage transition: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChainState(ctx context.Context, componentInstanceID string) (model.ComponentInstanceState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT component_instance_id, machine_id, boot_id, last_sequence, last_hash_sha256, last_ingested_at
		FROM component_instances WHERE component_instance_id = $1`, componentInstanceID)
	var st model.ComponentInstanceState
	if err := row.Scan(&st.ComponentInstanceID, &st.MachineID, &st.BootID, &st.LastSequence, &st.LastHashSHA256, &st.LastIngestedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ComponentInstanceState{}, false, nil
		}
		return model.ComponentInstanceState{}, false, fmt.Errorf("store: scanning component instance state: %w", err)
	}
	return st, true, nil
}

func (s *PostgresStore) UpsertChainState(ctx context.Context, state model.ComponentInstanceState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO component_instances (component_instance_id, machine_id, boot_id, last_sequence, last_hash_sha256, last_ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (component_instance_id) DO UPDATE SET
			machine_id = excluded.machine_id, boot_id = excluded.boot_id, last_sequence = excluded.last_sequence,
			last_hash_sha256 = excluded.last_hash_sha256, last_ingested_at = excluded.last_ingested_at`,
		state.ComponentInstanceID, state.MachineID, state.BootID, state.LastSequence, state.LastHashSHA256, state.LastIngestedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upserting component instance state: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMachine(ctx context.Context, machineID string) (model.Machine, error) {
	row := s.db.QueryRowContext(ctx, `SELECT machine_id, group_id, network_id, hostname FROM machines WHERE machine_id = $1`, machineID)
	var m model.Machine
	if err := row.Scan(&m.MachineID, &m.GroupID, &m.NetworkID, &m.Hostname); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Machine{}, ErrNotFound
		}
		return model.Machine{}, fmt.Errorf("store: scanning machine: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) UpsertMachine(ctx context.Context, m model.Machine) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO machines (machine_id, group_id, network_id, hostname)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (machine_id) DO UPDATE SET
			group_id = EXCLUDED.group_id, network_id = EXCLUDED.network_id, hostname = EXCLUDED.hostname`,
		m.MachineID, m.GroupID, m.NetworkID, m.Hostname,
	)
	if err != nil {
		return fmt.Errorf("store: upserting machine: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountInGroup(ctx context.Context, groupID string) (int, error) {
	return s.countWhere(ctx, "group_id = $1", groupID)
}

func (s *PostgresStore) CountInNetwork(ctx context.Context, networkID string) (int, error) {
	return s.countWhere(ctx, "network_id = $1", networkID)
}

func (s *PostgresStore) CountAll(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM machines`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting machines: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) countWhere(ctx context.Context, clause string, arg string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM machines WHERE `+clause, arg).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting machines: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CreateDecision(ctx context.Context, decision *model.PolicyDecision) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
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

func (s *PostgresStore) GetDecisionByIncident(ctx context.Context, incidentID string) (*model.PolicyDecision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT decision_id, incident_id, should_recommend, action_type, reason, command, evaluated_at
		FROM policy_decisions WHERE incident_id = $1`, incidentID)
	d, err := unmarshalDecision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func (s *PostgresStore) CreateEvidence(ctx context.Context, evidence *model.Evidence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence (incident_id, event_id, evidence_type, confidence_level, confidence_score, contradicted)
		VALUES ($1, $2, $3, $4, $5, $6)`,
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

func (s *PostgresStore) GetEvidenceByEventID(ctx context.Context, eventID string) (*model.Evidence, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT incident_id, event_id, evidence_type, confidence_level, confidence_score, contradicted
		FROM evidence WHERE event_id = $1`, eventID)
	ev, err := unmarshalEvidence(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ev, nil
}

func (s *PostgresStore) ListEvidenceByIncident(ctx context.Context, incidentID string) ([]*model.Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, event_id, evidence_type, confidence_level, confidence_score, contradicted
		FROM evidence WHERE incident_id = $1`, incidentID)
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

func (s *PostgresStore) CreateApproval(ctx context.Context, approval *model.HAFApproval, actionKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO haf_approvals (approval_id, action_key, action_id, requested_by, approver_user_id, approver_role, status, requested_at, decided_at, expires_at, ledger_entry_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		approval.ApprovalID, actionKey, approval.ActionID, approval.RequestedBy, approval.ApproverUserID,
		approval.ApproverRole, approval.Status, approval.RequestedAt, nullTime(approval.DecidedAt), approval.ExpiresAt, approval.LedgerEntryID,
	)
	if err != nil {
		return fmt.Errorf("store: creating haf approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLatestByActionKey(ctx context.Context, actionKey string) (*model.HAFApproval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT approval_id, action_id, requested_by, approver_user_id, approver_role, status, requested_at, decided_at, expires_at, ledger_entry_id
		FROM haf_approvals WHERE action_key = $1 ORDER BY requested_at DESC LIMIT 1`, actionKey)
	a, err := unmarshalApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) UpdateApprovalStatus(ctx context.Context, approvalID string, status model.ApprovalStatus, decidedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE haf_approvals SET status = $1, decided_at = $2 WHERE approval_id = $3`, status, decidedAt, approvalID)
	if err != nil {
		return fmt.Errorf("store: updating haf approval status: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAction(ctx context.Context, action *model.ResponseAction) error {
	commandJSON, err := json.Marshal(action.Command)
	if err != nil {
		return fmt.Errorf("store: marshaling response action command: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO response_actions (action_id, command, execution_status, rollback_capable, ledger_entry_id, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		action.ActionID, commandJSON, action.ExecutionStatus, action.RollbackCapable, action.LedgerEntryID, action.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("store: creating response action: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActionByRollbackToken(ctx context.Context, rollbackToken string) (*model.ResponseAction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT action_id, command, execution_status, rollback_capable, ledger_entry_id, executed_at
		FROM response_actions WHERE command->>'rollback_token' = $1`, rollbackToken)
	ra, err := unmarshalResponseAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ra, nil
}

func (s *PostgresStore) CreateAttestation(ctx context.Context, att *model.IncidentAttestation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_attestations (attestation_id, incident_id, action_id, executor_user_id, executor_attested, approver_user_id, approver_attested, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		att.AttestationID, att.IncidentID, att.ActionID, att.ExecutorUserID, att.ExecutorAttested,
		att.ApproverUserID, att.ApproverAttested, att.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: creating attestation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttestationByAction(ctx context.Context, actionID string) (*model.IncidentAttestation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT attestation_id, incident_id, action_id, executor_user_id, executor_attested, approver_user_id, approver_attested, created_at
		FROM incident_attestations WHERE action_id = $1`, actionID)
	a, err := unmarshalAttestation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) UpdateAttestation(ctx context.Context, att *model.IncidentAttestation) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incident_attestations SET executor_attested = $1, approver_attested = $2 WHERE attestation_id = $3`,
		att.ExecutorAttested, att.ApproverAttested, att.AttestationID,
	)
	if err != nil {
		return fmt.Errorf("store: updating attestation: %w", err)
	}
	return nil
}
