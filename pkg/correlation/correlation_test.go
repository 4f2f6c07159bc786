package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/trustcore/pkg/model"
	"github.com/ransomeye/trustcore/pkg/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStoreWithSchema(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func event(eventID, machineID string, observedAt time.Time, sequence uint64, payload map[string]any) *model.RawEvent {
	return &model.RawEvent{
		Envelope: model.EventEnvelope{
			EventID:             eventID,
			MachineID:           machineID,
			Component:           "collector",
			ComponentInstanceID: "A-1",
			ObservedAt:          observedAt,
			Sequence:            sequence,
			Payload:             payload,
		},
		ValidationStatus: model.ValidationValid,
	}
}

func TestProcessBatch_CreatesIncidentOnFirstMatch(t *testing.T) {
	s := newTestStore(t)
	engine := New(s, s, DefaultRules())
	now := time.Now().UTC()

	ev := event("evt-1", "machine-1", now, 1, map[string]any{
		"event_type":             "file_write_burst",
		"files_modified_per_sec": 120.0,
	})

	require.NoError(t, engine.ProcessBatch(context.Background(), []*model.RawEvent{ev}))

	incidents, err := s.ListOpenWithinWindow(context.Background(), "machine-1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, model.StageProbable, incidents[0].CurrentStage)
	assert.Equal(t, 45.0, incidents[0].ConfidenceScore)
}

func TestProcessBatch_JoinsExistingIncidentWithinWindow(t *testing.T) {
	s := newTestStore(t)
	engine := New(s, s, DefaultRules())
	t0 := time.Now().UTC()

	first := event("evt-1", "machine-1", t0, 1, map[string]any{
		"event_type":             "file_write_burst",
		"files_modified_per_sec": 120.0,
	})
	second := event("evt-2", "machine-1", t0.Add(10*time.Minute), 2, map[string]any{
		"event_type":            "process_execution",
		"command_line_pattern":  "vssadmin_delete_shadows",
	})

	require.NoError(t, engine.ProcessBatch(context.Background(), []*model.RawEvent{first, second}))

	incidents, err := s.ListOpenWithinWindow(context.Background(), "machine-1", t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, model.StageConfirmed, incidents[0].CurrentStage)
	assert.Equal(t, 75.0, incidents[0].ConfidenceScore)
	assert.Equal(t, 2, incidents[0].TotalEvidenceCount)
}

func TestProcessBatch_ContradictionDecaysContributionWithoutDowngrade(t *testing.T) {
	s := newTestStore(t)
	engine := New(s, s, DefaultRules())
	t0 := time.Now().UTC()

	burst := event("evt-1", "machine-1", t0, 1, map[string]any{
		"event_type":             "file_write_burst",
		"files_modified_per_sec": 120.0,
	})
	shadow := event("evt-2", "machine-1", t0.Add(1*time.Minute), 2, map[string]any{
		"event_type":           "process_execution",
		"command_line_pattern": "vssadmin_delete_shadows",
	})
	backup := event("evt-3", "machine-1", t0.Add(2*time.Minute), 3, map[string]any{
		"event_type":          "file_write_burst",
		"signed_backup_agent": true,
	})

	require.NoError(t, engine.ProcessBatch(context.Background(), []*model.RawEvent{burst, shadow, backup}))

	incidents, err := s.ListOpenWithinWindow(context.Background(), "machine-1", t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, incidents, 1)

	// 45 (burst) + 30 (shadow) = 75 -> CONFIRMED, then a contradicting
	// "cleared" event contributes 10*0.6=6 more but must never drop the
	// stage back down from CONFIRMED.
	assert.Equal(t, model.StageConfirmed, incidents[0].CurrentStage)
	assert.InDelta(t, 81.0, incidents[0].ConfidenceScore, 0.001)

	evidence, err := s.ListEvidenceByIncident(context.Background(), incidents[0].IncidentID)
	require.NoError(t, err)
	require.Len(t, evidence, 3)
	var found bool
	for _, e := range evidence {
		if e.EventID == "evt-3" {
			found = true
			assert.True(t, e.Contradicted)
		}
	}
	assert.True(t, found, "expected evidence row for evt-3")
}

func TestProcessBatch_NoMatchingRuleIsNoop(t *testing.T) {
	s := newTestStore(t)
	engine := New(s, s, DefaultRules())
	now := time.Now().UTC()

	ev := event("evt-1", "machine-1", now, 1, map[string]any{"event_type": "heartbeat"})
	require.NoError(t, engine.ProcessBatch(context.Background(), []*model.RawEvent{ev}))

	incidents, err := s.ListOpenWithinWindow(context.Background(), "machine-1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, incidents)
}

func TestProcessBatch_DuplicateEventLinkageIsFatal(t *testing.T) {
	s := newTestStore(t)
	engine := New(s, s, DefaultRules())
	now := time.Now().UTC()

	ev := event("evt-1", "machine-1", now, 1, map[string]any{
		"event_type":             "file_write_burst",
		"files_modified_per_sec": 120.0,
	})

	require.NoError(t, engine.ProcessBatch(context.Background(), []*model.RawEvent{ev}))

	err := engine.ProcessBatch(context.Background(), []*model.RawEvent{ev})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateLinkage)
}

func TestProcessBatch_OrdersEventsByComponentInstanceAndSequence(t *testing.T) {
	s := newTestStore(t)
	engine := New(s, s, DefaultRules())
	now := time.Now().UTC()

	// Supplied out of order; the engine must still process evt-1 (sequence
	// 1) before evt-2 (sequence 2) since both share a component instance.
	second := event("evt-2", "machine-1", now.Add(time.Minute), 2, map[string]any{
		"event_type":           "process_execution",
		"command_line_pattern": "vssadmin_delete_shadows",
	})
	first := event("evt-1", "machine-1", now, 1, map[string]any{
		"event_type":             "file_write_burst",
		"files_modified_per_sec": 120.0,
	})

	require.NoError(t, engine.ProcessBatch(context.Background(), []*model.RawEvent{second, first}))

	incidents, err := s.ListOpenWithinWindow(context.Background(), "machine-1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, now, incidents[0].FirstObservedAt)
}
