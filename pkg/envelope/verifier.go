package envelope

import (
	"fmt"

	"github.com/ransomeye/trustcore/pkg/canonicalize"
	"github.com/ransomeye/trustcore/pkg/crypto"
	"github.com/ransomeye/trustcore/pkg/model"
)

// VerifyResult mirrors crypto.VerifyResult's Allow/Deny shape for envelope
// verification outcomes, with a Reason stable enough to log and test
// against.
type VerifyResult struct {
	OK     bool
	Reason string
}

func deny(reason string) VerifyResult { return VerifyResult{OK: false, Reason: reason} }
func allow() VerifyResult             { return VerifyResult{OK: true} }

// Verify implements the §4.1 verification contract for one envelope:
// rebuild the canonical JSON with signature fields blanked, recompute
// SHA-256, verify the ed25519 signature against the key fetched by
// signing_key_id, then compare the embedded hash_sha256.
func Verify(registry *crypto.Registry, env *model.EventEnvelope) VerifyResult {
	signingBytes, err := canonicalize.EnvelopeSigningBytes(env)
	if err != nil {
		return deny(fmt.Sprintf("canonicalization failed: %v", err))
	}
	recomputed := canonicalize.HashBytes(signingBytes)

	if env.Integrity.HashSHA256 == "" {
		return deny("missing hash_sha256")
	}
	if recomputed != env.Integrity.HashSHA256 {
		return deny("hash mismatch")
	}

	sigResult := crypto.VerifySignature(registry, env.SigningKeyID, env.Signature, []byte(recomputed))
	if !sigResult.OK {
		return deny(sigResult.Reason)
	}

	return allow()
}

// VerifyChainContinuity checks the per-component-instance hash-chain and
// sequence invariants (spec §4.3 steps 8-9, §8 property 2). last is the
// previously accepted envelope's chain state for this component_instance_id;
// a boot_id change resets the expected prev_hash, per §4.2's boot_id
// tolerance.
func VerifyChainContinuity(last ChainState, env *model.EventEnvelope) VerifyResult {
	if env.Identity.BootID != last.BootID {
		// New boot: sequence space resets, no continuity check applies.
		if env.Sequence != 1 || env.Integrity.PrevHashSHA256 != "" {
			return deny("boot_id changed but sequence/prev_hash not reset")
		}
		return allow()
	}

	if env.Sequence <= last.LastSequence {
		return deny("sequence not strictly monotonic")
	}
	if env.Sequence != last.LastSequence+1 {
		return deny("sequence gap")
	}
	if env.Integrity.PrevHashSHA256 != last.LastHash {
		return deny("prev_hash_sha256 does not match stored last_hash")
	}
	return allow()
}
