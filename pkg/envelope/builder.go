// Package envelope builds and verifies the hash-chained, signed telemetry
// envelopes that make up the integrity chain (spec §4.2).
package envelope

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ransomeye/trustcore/pkg/canonicalize"
	"github.com/ransomeye/trustcore/pkg/crypto"
	"github.com/ransomeye/trustcore/pkg/model"
)

// ChainState is one component instance's sequence/hash bookkeeping,
// reseeded from the last persisted value at startup so sequences are
// never reused across restarts.
type ChainState struct {
	BootID       string
	LastSequence uint64
	LastHash     string
}

// Builder constructs signed, hash-chained envelopes for one component
// instance. One Builder exists per (component, component_instance_id); the
// mutex serializes sequence/hash advancement the same way the audit
// ledger serializes appends.
type Builder struct {
	mu sync.Mutex

	component           string
	componentInstanceID string
	bootID               string
	state                ChainState
	signer               crypto.Signer
	clock                func() time.Time

	// persist is called after building each envelope, before it leaves the
	// process, to durably advance last_hash — mirroring spec §4.2 step 6.
	persist func(ChainState) error
}

// NewBuilder constructs a Builder. persist may be nil in tests; production
// callers must supply a function that durably records ChainState.
func NewBuilder(component, componentInstanceID, bootID string, signer crypto.Signer, persist func(ChainState) error) *Builder {
	return &Builder{
		component:            component,
		componentInstanceID:  componentInstanceID,
		bootID:                bootID,
		signer:                signer,
		clock:                 time.Now,
		persist:               persist,
		state:                 ChainState{BootID: bootID},
	}
}

// WithClock overrides the clock for deterministic tests.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Resume seeds the chain state from the last persisted envelope, e.g. after
// a restart. A boot_id change resets prev_hash to empty and restarts the
// sequence at 1, consistent with the verifier's tolerance for boot_id
// changes.
func (b *Builder) Resume(state ChainState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state.BootID != b.bootID {
		state = ChainState{BootID: b.bootID}
	}
	b.state = state
}

// Build assembles, hashes, and signs one envelope per the six-step
// procedure in spec §4.2.
func (b *Builder) Build(payload map[string]any, machineID string, identity model.Identity, observedAt time.Time) (*model.EventEnvelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.state.LastSequence + 1
	prevHash := b.state.LastHash

	env := &model.EventEnvelope{
		EventID:             uuid.NewString(),
		MachineID:           machineID,
		Component:           b.component,
		ComponentInstanceID: b.componentInstanceID,
		ObservedAt:          observedAt,
		Sequence:            seq,
		Payload:             payload,
		Identity:            identity,
		Integrity: model.Integrity{
			PrevHashSHA256: prevHash,
		},
	}

	signingBytes, err := canonicalize.EnvelopeSigningBytes(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalizing for hash: %w", err)
	}
	hash := canonicalize.HashBytes(signingBytes)
	env.Integrity.HashSHA256 = hash

	sig, err := b.signer.Sign([]byte(hash))
	if err != nil {
		return nil, fmt.Errorf("envelope: signing: %w", err)
	}
	env.Signature = sig
	env.SigningKeyID = b.signer.KeyID()

	newState := ChainState{BootID: b.bootID, LastSequence: seq, LastHash: hash}
	if b.persist != nil {
		if err := b.persist(newState); err != nil {
			return nil, fmt.Errorf("envelope: persisting chain state: %w", err)
		}
	}
	b.state = newState

	return env, nil
}
