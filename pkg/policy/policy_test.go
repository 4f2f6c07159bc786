package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/trustcore/pkg/crypto"
	"github.com/ransomeye/trustcore/pkg/model"
	"github.com/ransomeye/trustcore/pkg/store"
)

func newTestEngine(t *testing.T, clock func() time.Time) (*Engine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStoreWithSchema(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	signer, err := crypto.NewEd25519Signer("policy-key-1")
	require.NoError(t, err)

	e, err := New(s, s, signer, "policy-v1", "1.0.0", DefaultRules())
	require.NoError(t, err)
	e.WithClock(clock)

	return e, s
}

func TestEvaluateIncident_RecommendsForConfirmedStage(t *testing.T) {
	now := time.Now().UTC()
	e, _ := newTestEngine(t, func() time.Time { return now })

	incident := &model.Incident{
		IncidentID:      "inc-1",
		MachineID:       "machine-1",
		CurrentStage:    model.StageConfirmed,
		ConfidenceScore: 80,
		Status:          model.IncidentOpen,
	}

	decision, err := e.EvaluateIncident(context.Background(), incident)
	require.NoError(t, err)
	assert.True(t, decision.ShouldRecommend)
	assert.Equal(t, model.ActionBlockProcess, decision.ActionType)
	require.NotNil(t, decision.Command)
	assert.Equal(t, model.ModeDryRun, decision.Command.TREMode)
	assert.Equal(t, model.AuthorityPolicyEngine, decision.Command.IssuingAuthority)
	assert.NotEmpty(t, decision.Command.Signature)
}

func TestEvaluateIncident_CriticalConfidenceEscalatesAction(t *testing.T) {
	now := time.Now().UTC()
	e, _ := newTestEngine(t, func() time.Time { return now })

	incident := &model.Incident{
		IncidentID:      "inc-1",
		MachineID:       "machine-1",
		CurrentStage:    model.StageConfirmed,
		ConfidenceScore: 95,
		Status:          model.IncidentOpen,
	}

	decision, err := e.EvaluateIncident(context.Background(), incident)
	require.NoError(t, err)
	assert.Equal(t, model.ActionIsolateHost, decision.ActionType)
}

func TestEvaluateIncident_NoRuleMatchesSuspiciousStage(t *testing.T) {
	now := time.Now().UTC()
	e, _ := newTestEngine(t, func() time.Time { return now })

	incident := &model.Incident{
		IncidentID:      "inc-1",
		MachineID:       "machine-1",
		CurrentStage:    model.StageSuspicious,
		ConfidenceScore: 20,
		Status:          model.IncidentOpen,
	}

	decision, err := e.EvaluateIncident(context.Background(), incident)
	require.NoError(t, err)
	assert.False(t, decision.ShouldRecommend)
	assert.Nil(t, decision.Command)
}

func TestEvaluateIncident_IdempotentAcrossReruns(t *testing.T) {
	now := time.Now().UTC()
	e, _ := newTestEngine(t, func() time.Time { return now })

	incident := &model.Incident{
		IncidentID:      "inc-1",
		MachineID:       "machine-1",
		CurrentStage:    model.StageConfirmed,
		ConfidenceScore: 80,
		Status:          model.IncidentOpen,
	}

	first, err := e.EvaluateIncident(context.Background(), incident)
	require.NoError(t, err)

	second, err := e.EvaluateIncident(context.Background(), incident)
	require.NoError(t, err)
	assert.Equal(t, first.DecisionID, second.DecisionID)
}

func TestRunBatch_EvaluatesAllIncidents(t *testing.T) {
	now := time.Now().UTC()
	e, _ := newTestEngine(t, func() time.Time { return now })

	incidents := []*model.Incident{
		{IncidentID: "inc-1", MachineID: "m1", CurrentStage: model.StageConfirmed, ConfidenceScore: 80, Status: model.IncidentOpen},
		{IncidentID: "inc-2", MachineID: "m2", CurrentStage: model.StageSuspicious, ConfidenceScore: 10, Status: model.IncidentOpen},
	}

	decisions, err := e.RunBatch(context.Background(), incidents)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.True(t, decisions[0].ShouldRecommend)
	assert.False(t, decisions[1].ShouldRecommend)
}
