package tre

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/trustcore/pkg/crypto"
	"github.com/ransomeye/trustcore/pkg/ledger"
	"github.com/ransomeye/trustcore/pkg/model"
	"github.com/ransomeye/trustcore/pkg/store"
)

type memWriter struct{ lines [][]byte }

func (w *memWriter) Write(entry *model.LedgerEntry) error { return nil }

func newTestPipeline(t *testing.T, now time.Time) (*Pipeline, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStoreWithSchema(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	signer, err := crypto.NewEd25519Signer("tre-key-1")
	require.NoError(t, err)

	l := ledger.New(signer, &memWriter{}).WithClock(func() time.Time { return now })

	p := New(s, s, s, s, s, l, signer).WithClock(func() time.Time { return now })
	return p, s
}

func insertMachine(t *testing.T, s *store.SQLiteStore, m model.Machine) {
	t.Helper()
	require.NoError(t, s.UpsertMachine(context.Background(), m))
}

func openIncident(t *testing.T, s *store.SQLiteStore, incidentID, machineID string, now time.Time) {
	t.Helper()
	err := s.Create(context.Background(), &model.Incident{
		IncidentID:      incidentID,
		DedupKey:        machineID,
		MachineID:       machineID,
		CurrentStage:    model.StageConfirmed,
		Status:          model.IncidentOpen,
		ConfidenceScore: 80,
		FirstObservedAt: now,
		LastObservedAt:  now,
	})
	require.NoError(t, err)
}

func TestExecute_SafeActionInDryRunSimulates(t *testing.T) {
	now := time.Now().UTC()
	p, s := newTestPipeline(t, now)
	insertMachine(t, s, model.Machine{MachineID: "m1"})
	openIncident(t, s, "inc-1", "m1", now)

	decision, err := p.Execute(context.Background(), Request{
		IncidentID:     "inc-1",
		ActionType:     model.ActionBlockProcess,
		Target:         "m1",
		BlastScope:     model.ScopeHost,
		TargetCount:    1,
		IssuedByUserID: "user-1",
		IssuedByRole:   model.RoleResponder,
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.Simulated)
	require.NotNil(t, decision.Command)
	assert.Equal(t, model.ModeDryRun, decision.Command.TREMode)
}

func TestExecute_AnalystRoleDeniedByRBAC(t *testing.T) {
	now := time.Now().UTC()
	p, s := newTestPipeline(t, now)
	insertMachine(t, s, model.Machine{MachineID: "m1"})
	openIncident(t, s, "inc-1", "m1", now)

	decision, err := p.Execute(context.Background(), Request{
		IncidentID:     "inc-1",
		ActionType:     model.ActionBlockProcess,
		Target:         "m1",
		BlastScope:     model.ScopeHost,
		TargetCount:    1,
		IssuedByUserID: "user-1",
		IssuedByRole:   model.RoleAnalyst,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ViolationRBACDenied, decision.Violation)
}

func TestExecute_DestructiveBlockedInGuardedExec(t *testing.T) {
	now := time.Now().UTC()
	p, s := newTestPipeline(t, now)
	p.SetMode(model.ModeGuardedExec)
	insertMachine(t, s, model.Machine{MachineID: "m1"})
	openIncident(t, s, "inc-1", "m1", now)

	decision, err := p.Execute(context.Background(), Request{
		IncidentID:     "inc-1",
		ActionType:     model.ActionIsolateHost,
		Target:         "m1",
		BlastScope:     model.ScopeHost,
		TargetCount:    1,
		IssuedByUserID: "user-1",
		IssuedByRole:   model.RoleAdmin,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ViolationGuardedExecBlocked, decision.Violation)
}

func TestExecute_DestructiveInFullEnforceRequiresHAFThenSucceeds(t *testing.T) {
	now := time.Now().UTC()
	p, s := newTestPipeline(t, now)
	p.SetMode(model.ModeFullEnforce)
	insertMachine(t, s, model.Machine{MachineID: "m1"})
	openIncident(t, s, "inc-1", "m1", now)

	req := Request{
		IncidentID:     "inc-1",
		ActionType:     model.ActionIsolateHost,
		Target:         "m1",
		BlastScope:     model.ScopeHost,
		TargetCount:    1,
		IssuedByUserID: "user-1",
		IssuedByRole:   model.RoleAdmin,
	}

	first, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Allowed)
	assert.Equal(t, ViolationHAFPending, first.Violation)
	require.NotEmpty(t, first.ApprovalID)

	require.NoError(t, s.UpdateApprovalStatus(context.Background(), first.ApprovalID, model.ApprovalApproved, now))

	second, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	require.NotNil(t, second.Command)
	assert.Equal(t, first.ApprovalID, second.Command.ApprovalID)
}

func TestExecute_EmergencyRequiresSuperAdmin(t *testing.T) {
	now := time.Now().UTC()
	p, s := newTestPipeline(t, now)
	insertMachine(t, s, model.Machine{MachineID: "m1"})

	decision, err := p.Execute(context.Background(), Request{
		ActionType:     model.ActionIsolateHost,
		Target:         "m1",
		BlastScope:     model.ScopeHost,
		TargetCount:    1,
		IssuedByUserID: "user-1",
		IssuedByRole:   model.RoleAdmin,
		Emergency:      true,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ViolationEmergencyRoleReq, decision.Violation)
}

func TestExecute_BlastRadiusMismatchDenied(t *testing.T) {
	now := time.Now().UTC()
	p, s := newTestPipeline(t, now)
	insertMachine(t, s, model.Machine{MachineID: "m1"})
	openIncident(t, s, "inc-1", "m1", now)

	decision, err := p.Execute(context.Background(), Request{
		IncidentID:     "inc-1",
		ActionType:     model.ActionBlockProcess,
		Target:         "m1",
		BlastScope:     model.ScopeHost,
		TargetCount:    3,
		IssuedByUserID: "user-1",
		IssuedByRole:   model.RoleResponder,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ViolationBlastRadiusMismatch, decision.Violation)
}

func TestExecute_FrozenIncidentBlocksNonRollback(t *testing.T) {
	now := time.Now().UTC()
	p, s := newTestPipeline(t, now)
	insertMachine(t, s, model.Machine{MachineID: "m1"})
	openIncident(t, s, "inc-1", "m1", now)

	incident, err := s.Get(context.Background(), "inc-1")
	require.NoError(t, err)
	incident.Status = model.IncidentClosed
	require.NoError(t, s.Update(context.Background(), incident))

	decision, err := p.Execute(context.Background(), Request{
		IncidentID:     "inc-1",
		ActionType:     model.ActionBlockProcess,
		Target:         "m1",
		BlastScope:     model.ScopeHost,
		TargetCount:    1,
		IssuedByUserID: "user-1",
		IssuedByRole:   model.RoleResponder,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ViolationIncidentFrozen, decision.Violation)
}

func TestExecute_PerUserRateLimitExceeded(t *testing.T) {
	now := time.Now().UTC()
	p, s := newTestPipeline(t, now)
	insertMachine(t, s, model.Machine{MachineID: "m1"})
	openIncident(t, s, "inc-1", "m1", now)

	var last *Decision
	for i := 0; i < userRatePerMinute+1; i++ {
		d, err := p.Execute(context.Background(), Request{
			IncidentID:     "inc-1",
			ActionType:     model.ActionBlockProcess,
			Target:         "m1",
			BlastScope:     model.ScopeHost,
			TargetCount:    1,
			IssuedByUserID: "user-1",
			IssuedByRole:   model.RoleResponder,
		})
		require.NoError(t, err)
		last = d
	}
	assert.False(t, last.Allowed)
	assert.Equal(t, ViolationRateLimited, last.Violation)
}

func TestReopenIncident_RequiresSuperAdminAndJustification(t *testing.T) {
	now := time.Now().UTC()
	p, s := newTestPipeline(t, now)
	insertMachine(t, s, model.Machine{MachineID: "m1"})
	openIncident(t, s, "inc-1", "m1", now)

	incident, err := s.Get(context.Background(), "inc-1")
	require.NoError(t, err)
	incident.Status = model.IncidentClosed
	require.NoError(t, s.Update(context.Background(), incident))

	err = p.ReopenIncident(context.Background(), "inc-1", model.RoleAdmin, "short reason here")
	assert.Error(t, err)

	err = p.ReopenIncident(context.Background(), "inc-1", model.RoleSuperAdmin, "short")
	assert.Error(t, err)

	err = p.ReopenIncident(context.Background(), "inc-1", model.RoleSuperAdmin, "reviewed and cleared")
	require.NoError(t, err)

	incident, err = s.Get(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentOpen, incident.Status)
}
