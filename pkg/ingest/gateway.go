// Package ingest implements the telemetry ingest gateway: the single
// fail-fast validation pipeline every envelope must clear before it is
// durably recorded as a raw event (spec §4.3).
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/ransomeye/trustcore/pkg/crypto"
	"github.com/ransomeye/trustcore/pkg/envelope"
	"github.com/ransomeye/trustcore/pkg/model"
	"github.com/ransomeye/trustcore/pkg/observability"
	"github.com/ransomeye/trustcore/pkg/store"
	"github.com/ransomeye/trustcore/pkg/trustcoreerr"
)

// Fatal wraps a store error the gateway treats as unrecoverable: deadlock,
// serialization failure, integrity-constraint violation, or a write
// attempted against a read-only connection. Per §7, a fatal ingest error
// terminates the process rather than returning a best-effort response —
// silently continuing after one of these risks accepting telemetry the
// chain-integrity invariants no longer hold for. It unwraps to both the
// underlying store error and trustcoreerr.ErrFatalInvariant, so callers can
// classify it with errors.Is without importing this package.
type Fatal struct{ Err error }

func (f *Fatal) Error() string   { return fmt.Sprintf("ingest: fatal: %v", f.Err) }
func (f *Fatal) Unwrap() []error { return []error{trustcoreerr.ErrFatalInvariant, f.Err} }

// lateArrivalThreshold is the §4.3 boundary past which an accepted event is
// flagged late_arrival rather than rejected outright.
const lateArrivalThreshold = 3600 * time.Second

// timestampToleranceFuture and timestampToleranceHistory bound the
// observed_at window the gateway accepts: no more than 5 seconds in the
// future (clock skew tolerance) and no more than 30 days in the past.
const (
	timestampToleranceFuture  = 5 * time.Second
	timestampToleranceHistory = 30 * 24 * time.Hour
)

// Result is the outcome ingest() returns to its caller, carrying enough
// status detail to translate directly into an HTTP response.
type Result struct {
	EventID    string
	Status     model.ValidationStatus
	HTTPStatus int
	Reason     string
}

// Gateway holds the dependencies the nine-step pipeline needs. Component
// identity binding (step 3) is the caller's responsibility: HTTP-layer
// auth resolves a bearer credential to a component_instance_id before
// Ingest is ever called, so this package never parses credentials itself.
type Gateway struct {
	Registry  *crypto.Registry
	RawEvents store.RawEventStore
	Instances store.ComponentInstanceStore
	Schema    *jsonschema.Schema
	Limiter   *rate.Limiter
	Metrics   *observability.Provider
	Clock     func() time.Time

	acceptedSinceLastReport atomic.Int64
}

// StartMetricsReporter runs until ctx is canceled, periodically computing
// the accepted-events-per-second rate from the counter Ingest advances and
// publishing it through RecordIngestRate. Run it as a background goroutine
// from the owning server's startup path.
func (g *Gateway) StartMetricsReporter(ctx context.Context, interval time.Duration) {
	if g.Metrics == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := g.acceptedSinceLastReport.Swap(0)
			eps := float64(count) / interval.Seconds()
			g.Metrics.RecordIngestRate(ctx, eps)
		}
	}
}

// NewGateway compiles the envelope schema and constructs a Gateway. A
// schema compilation failure is startup-fatal, matching the crypto
// registry's fail-fast-at-boot discipline.
func NewGateway(registry *crypto.Registry, rawEvents store.RawEventStore, instances store.ComponentInstanceStore, eventsPerSecond float64, metrics *observability.Provider) (*Gateway, error) {
	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, err
	}
	return &Gateway{
		Registry:  registry,
		RawEvents: rawEvents,
		Instances: instances,
		Schema:    schema,
		Limiter:   rate.NewLimiter(rate.Limit(eventsPerSecond), int(eventsPerSecond)+1),
		Metrics:   metrics,
		Clock:     time.Now,
	}, nil
}

// Ingest runs the nine-step fail-fast pipeline over one raw envelope
// payload, bound to componentInstanceID already authenticated by the
// caller (step 1 — auth — and step 3's identity binding happen together:
// the gateway only trusts the instance ID the transport layer vouches
// for, never one read back out of the envelope body unverified).
func (g *Gateway) Ingest(ctx context.Context, raw []byte, componentInstanceID string) (Result, error) {
	if !g.Limiter.Allow() {
		return Result{HTTPStatus: 429, Status: model.ValidationRejected, Reason: "rate limit exceeded"}, nil
	}

	// Step: schema validation runs against the generic decode, since
	// jsonschema needs plain maps/slices, not the typed envelope.
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Result{HTTPStatus: 400, Status: model.ValidationSchemaFailed, Reason: "malformed JSON"}, nil
	}
	if err := g.Schema.Validate(generic); err != nil {
		return Result{HTTPStatus: 400, Status: model.ValidationSchemaFailed, Reason: err.Error()}, nil
	}

	var env model.EventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Result{HTTPStatus: 400, Status: model.ValidationSchemaFailed, Reason: "envelope does not match expected shape"}, nil
	}

	// Step: component identity binding. The envelope's own
	// component_instance_id must match the identity the transport layer
	// authenticated, or a compromised/misconfigured agent could impersonate
	// another instance's sequence space.
	if env.ComponentInstanceID != componentInstanceID {
		return Result{HTTPStatus: 401, Status: model.ValidationRejected, Reason: "COMPONENT_IDENTITY_VERIFICATION_FAILED"}, nil
	}

	// Step: signature verification.
	verifyResult := envelope.Verify(g.Registry, &env)
	if !verifyResult.OK {
		return Result{HTTPStatus: 401, Status: model.ValidationRejected, Reason: "SIGNATURE_VERIFICATION_FAILED: " + verifyResult.Reason}, nil
	}

	now := g.Clock()

	// Step: timestamp window.
	if env.ObservedAt.After(now.Add(timestampToleranceFuture)) {
		return Result{HTTPStatus: 400, Status: model.ValidationTimestampFailed, Reason: "TIMESTAMP_FUTURE_BEYOND_TOLERANCE"}, nil
	}
	if env.ObservedAt.Before(now.Add(-timestampToleranceHistory)) {
		return Result{HTTPStatus: 400, Status: model.ValidationTimestampFailed, Reason: "TIMESTAMP_TOO_OLD"}, nil
	}

	// Step: hash integrity — recomputed inside envelope.Verify already,
	// but Verify folds hash and signature together; a hash-only mismatch
	// with a valid signature cannot occur since the signature covers the
	// hash, so no separate check is needed here beyond Verify's result.

	// Step: duplicate event_id.
	if _, err := g.RawEvents.GetByEventID(ctx, env.EventID); err == nil {
		return Result{HTTPStatus: 409, Status: model.ValidationDuplicateRejected, Reason: "DUPLICATE_EVENT_ID"}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, &Fatal{Err: fmt.Errorf("checking duplicate event_id: %w", err)}
	}

	// Step: chain continuity and sequence monotonicity.
	last, found, err := g.Instances.GetChainState(ctx, componentInstanceID)
	if err != nil {
		return Result{}, &Fatal{Err: fmt.Errorf("loading chain state: %w", err)}
	}
	chainState := envelope.ChainState{}
	if found {
		chainState = envelope.ChainState{BootID: last.BootID, LastSequence: last.LastSequence, LastHash: last.LastHashSHA256}
	}
	continuity := envelope.VerifyChainContinuity(chainState, &env)
	if !continuity.OK {
		return Result{HTTPStatus: 400, Status: model.ValidationIntegrityChainBroken, Reason: "INTEGRITY_CHAIN_BROKEN: " + continuity.Reason}, nil
	}

	lateArrival := now.Sub(env.ObservedAt) > lateArrivalThreshold
	env.IngestedAt = now

	event := &model.RawEvent{
		Envelope:           env,
		ValidationStatus:   model.ValidationValid,
		LateArrival:        lateArrival,
		ArrivalLatencySecs: now.Sub(env.ObservedAt).Seconds(),
	}

	writeStart := g.Clock()
	insertErr := g.RawEvents.Insert(ctx, event)
	if g.Metrics != nil {
		g.Metrics.RecordDBWriteLatency(ctx, g.Clock().Sub(writeStart))
	}
	if insertErr != nil {
		if errors.Is(insertErr, store.ErrDuplicateEventID) {
			return Result{HTTPStatus: 409, Status: model.ValidationDuplicateRejected, Reason: "DUPLICATE_EVENT_ID"}, nil
		}
		return Result{}, &Fatal{Err: fmt.Errorf("inserting raw event: %w", insertErr)}
	}

	if err := g.Instances.UpsertChainState(ctx, model.ComponentInstanceState{
		ComponentInstanceID: componentInstanceID,
		MachineID:           env.MachineID,
		BootID:              env.Identity.BootID,
		LastSequence:        env.Sequence,
		LastHashSHA256:      env.Integrity.HashSHA256,
		LastIngestedAt:      now,
	}); err != nil {
		return Result{}, &Fatal{Err: fmt.Errorf("advancing chain state: %w", err)}
	}

	g.acceptedSinceLastReport.Add(1)

	return Result{EventID: env.EventID, Status: model.ValidationValid, HTTPStatus: 202}, nil
}
