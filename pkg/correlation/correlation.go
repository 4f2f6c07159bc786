// Package correlation implements the deterministic incident-correlation
// engine: a pure batch function over validated telemetry that links events
// to incidents, accumulates confidence, and advances incident stage. It
// consults no machine-learning model, clustering algorithm, or external
// service — every decision is a fixed rule plus arithmetic over stored
// state, so replaying the same input batch against the same starting state
// always produces the same output.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ransomeye/trustcore/pkg/model"
	"github.com/ransomeye/trustcore/pkg/store"
	"github.com/ransomeye/trustcore/pkg/trustcoreerr"
)

// contradictionDecayMultiplier is applied to a contradicted contribution
// before accumulation. A contradicted event still counts toward an
// incident's evidence trail, just at reduced weight, and it can never push
// the incident's stage backward.
const contradictionDecayMultiplier = 0.6

// joinWindow is the span of time, measured from an existing incident's
// first observation, within which new matching evidence joins that
// incident instead of opening a new one.
const joinWindow = time.Hour

// ErrDuplicateLinkage is the fatal invariant violation of the engine: an
// event_id that already has an evidence row must never be linked to a
// second incident. Callers must treat this as fatal, not retryable — it
// indicates either a bug in the ingest-dedup path or a corrupted rerun.
var ErrDuplicateLinkage = errors.New("correlation: event already linked to an incident")

// RuleResult is what a Rule decides about one event.
type RuleResult struct {
	ShouldCreate           bool
	EvidenceType           string
	ConfidenceContribution float64
}

// Rule inspects one validated event and decides whether it contributes
// evidence toward an incident. Rules are plain functions over event
// content — payload fields, component identity, prior evidence type — with
// no learned weights and no external lookups.
type Rule struct {
	Name string
	Eval func(event *model.RawEvent) RuleResult
}

// Engine runs the correlation procedure against its injected stores.
type Engine struct {
	Incidents store.IncidentStore
	Evidence  store.EvidenceStore
	Rules     []Rule

	// newIncidentID is overridable in tests; defaults to uuid.NewString.
	newIncidentID func() string
}

// New builds an Engine. Rules run in order; the first rule whose Eval
// returns ShouldCreate wins — later rules are not consulted for that
// event.
func New(incidents store.IncidentStore, evidence store.EvidenceStore, rules []Rule) *Engine {
	return &Engine{
		Incidents:     incidents,
		Evidence:      evidence,
		Rules:         rules,
		newIncidentID: uuid.NewString,
	}
}

// dedupKey computes the join key of step 3: machine_id:process_id when the
// event payload carries a process identifier, else machine_id alone.
func dedupKey(event *model.RawEvent) string {
	if pid, ok := event.Envelope.Payload["process_id"]; ok {
		if s := fmt.Sprintf("%v", pid); s != "" {
			return event.Envelope.MachineID + ":" + s
		}
	}
	return event.Envelope.MachineID
}

// ProcessBatch runs the correlation procedure over events. Events are
// sorted by (component_instance_id, sequence) before processing, matching
// the fixed iteration order the procedure's determinism depends on. Every
// timestamp the engine writes is derived from the triggering event's
// ObservedAt, never wall-clock, so two runs over the same batch against the
// same starting state produce byte-identical incident rows.
func (e *Engine) ProcessBatch(ctx context.Context, events []*model.RawEvent) error {
	ordered := make([]*model.RawEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].Envelope, ordered[j].Envelope
		if a.ComponentInstanceID != b.ComponentInstanceID {
			return a.ComponentInstanceID < b.ComponentInstanceID
		}
		return a.Sequence < b.Sequence
	})

	for _, event := range ordered {
		if err := e.processOne(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) processOne(ctx context.Context, event *model.RawEvent) error {
	eventID := event.Envelope.EventID

	// Step 1: idempotency check. An existing evidence row for this
	// event_id means it has already been linked; linking it again is a
	// fatal invariant violation, never a silent no-op.
	existing, err := e.Evidence.GetEvidenceByEventID(ctx, eventID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("correlation: checking evidence idempotency for %s: %w", eventID, err)
	}
	if existing != nil {
		linkageErr := fmt.Errorf("%w: event_id=%s", ErrDuplicateLinkage, eventID)
		return trustcoreerr.FatalInvariant("correlation: duplicate linkage", linkageErr)
	}

	// Step 2: deterministic rule evaluation.
	result, matched := e.evaluate(event)
	if !matched || !result.ShouldCreate {
		return nil
	}

	// Step 3: dedup-key join within the window, else create a new
	// incident.
	key := dedupKey(event)
	since := event.Envelope.ObservedAt.Add(-joinWindow)
	candidates, err := e.Incidents.ListOpenWithinWindow(ctx, key, since)
	if err != nil {
		return fmt.Errorf("correlation: listing open incidents for %s: %w", key, err)
	}

	incident := selectIncident(candidates)
	creating := incident == nil
	if creating {
		incident = &model.Incident{
			IncidentID:      e.newIncidentID(),
			DedupKey:        key,
			MachineID:       event.Envelope.MachineID,
			CurrentStage:    model.StageSuspicious,
			Status:          model.IncidentOpen,
			ConfidenceScore: 0,
			FirstObservedAt: event.Envelope.ObservedAt,
			LastObservedAt:  event.Envelope.ObservedAt,
		}
	}

	// Step 4: contradiction detection. A new piece of evidence that
	// contradicts an existing evidence type of the same incident has its
	// contribution decayed and never changes the incident's stage: it
	// neither moves it backward nor advances it.
	contradicted := contradicts(candidatesEvidenceTypes(ctx, e.Evidence, incident.IncidentID), result.EvidenceType)
	contribution := result.ConfidenceContribution
	if contradicted {
		contribution *= contradictionDecayMultiplier
	}

	// Step 5: accumulation with clamping and threshold-derived stage.
	fromStage := incident.CurrentStage
	newConfidence := clamp(incident.ConfidenceScore+contribution, 0, 100)
	candidateStage := model.StageForConfidence(newConfidence)

	incident.ConfidenceScore = newConfidence
	incident.LastObservedAt = event.Envelope.ObservedAt
	incident.TotalEvidenceCount++

	advanced := !contradicted && model.StageAdvances(fromStage, candidateStage)
	if advanced {
		incident.CurrentStage = candidateStage
	}

	if creating {
		if err := e.Incidents.Create(ctx, incident); err != nil {
			return fmt.Errorf("correlation: creating incident: %w", err)
		}
	} else {
		if err := e.Incidents.Update(ctx, incident); err != nil {
			return fmt.Errorf("correlation: updating incident %s: %w", incident.IncidentID, err)
		}
	}

	if advanced {
		if err := e.Incidents.AppendStageTransition(ctx, &model.IncidentStageTransition{
			IncidentID:      incident.IncidentID,
			FromStage:       fromStage,
			ToStage:         incident.CurrentStage,
			ConfidenceScore: incident.ConfidenceScore,
			TransitionedAt:  event.Envelope.ObservedAt,
		}); err != nil {
			return fmt.Errorf("correlation: recording stage transition: %w", err)
		}
	}

	if err := e.Evidence.CreateEvidence(ctx, &model.Evidence{
		IncidentID:      incident.IncidentID,
		EventID:         eventID,
		EvidenceType:    result.EvidenceType,
		ConfidenceLevel: confidenceLevel(contribution),
		ConfidenceScore: contribution,
		Contradicted:    contradicted,
	}); err != nil {
		return fmt.Errorf("correlation: recording evidence for %s: %w", eventID, err)
	}

	return nil
}

// evaluate runs rules in order and returns the first match.
func (e *Engine) evaluate(event *model.RawEvent) (RuleResult, bool) {
	for _, rule := range e.Rules {
		result := rule.Eval(event)
		if result.ShouldCreate {
			return result, true
		}
	}
	return RuleResult{}, false
}

// selectIncident picks the join target from candidates. ListOpenWithinWindow
// already filters by dedup key, status, and window, so any result is a
// valid join target; the first is used deterministically.
func selectIncident(candidates []*model.Incident) *model.Incident {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

// candidatesEvidenceTypes loads the evidence types already recorded
// against an incident, used by contradiction detection. A lookup failure
// is treated as "no prior evidence" rather than propagated, since the
// incident write path below will surface any real store fault.
func candidatesEvidenceTypes(ctx context.Context, evidence store.EvidenceStore, incidentID string) []string {
	if incidentID == "" {
		return nil
	}
	rows, err := evidence.ListEvidenceByIncident(ctx, incidentID)
	if err != nil {
		return nil
	}
	types := make([]string, 0, len(rows))
	for _, row := range rows {
		types = append(types, row.EvidenceType)
	}
	return types
}

// contradicts reports whether evidenceType conflicts with any type already
// recorded for the incident. The only conflict rule named by the
// correlation procedure is an exact-opposite evidence-type pair, expressed
// here as a simple suffix convention: a type ending in "_cleared" conflicts
// with the same prefix without that suffix, and vice versa.
func contradicts(existingTypes []string, evidenceType string) bool {
	for _, existing := range existingTypes {
		if isOppositeEvidence(existing, evidenceType) {
			return true
		}
	}
	return false
}

func isOppositeEvidence(a, b string) bool {
	const clearedSuffix = "_cleared"
	trim := func(s string) (string, bool) {
		if len(s) > len(clearedSuffix) && s[len(s)-len(clearedSuffix):] == clearedSuffix {
			return s[:len(s)-len(clearedSuffix)], true
		}
		return s, false
	}
	aBase, aCleared := trim(a)
	bBase, bCleared := trim(b)
	return aBase == bBase && aCleared != bCleared
}

func confidenceLevel(contribution float64) model.ConfidenceLevel {
	switch {
	case contribution >= 20:
		return model.ConfidenceHigh
	case contribution >= 8:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
