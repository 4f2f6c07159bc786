package crypto

import (
	"fmt"
	"time"
)

// VerifyResult is the structured outcome of a signature verification,
// matching the sum-typed DecisionOutcome pattern used throughout this
// module instead of bare booleans or exceptions.
type VerifyResult struct {
	OK     bool
	Reason string
}

func fail(reason string) VerifyResult { return VerifyResult{OK: false, Reason: reason} }
func ok() VerifyResult                { return VerifyResult{OK: true} }

// VerifySignature implements the §4.1 verify contract shared by envelopes
// and commands: fetch the key by signing_key_id, reject if missing,
// not-ACTIVE, or revoked, then check the ed25519 signature over
// signingBytes. Callers (pkg/envelope, pkg/agentgate) build signingBytes
// with the canonicalizer appropriate to what they're verifying.
func VerifySignature(registry *Registry, signingKeyID, signatureHex string, signingBytes []byte) VerifyResult {
	if signingKeyID == "" {
		return fail("signing_key_id missing")
	}
	if signatureHex == "" {
		return fail("signature missing")
	}

	entry, err := registry.Get(signingKeyID)
	if err != nil {
		return fail(fmt.Sprintf("key not found: %s", signingKeyID))
	}
	if entry.Status != KeyActive {
		return fail(fmt.Sprintf("key not active: %s (status=%s)", signingKeyID, entry.Status))
	}
	if registry.IsRevoked(signingKeyID) {
		return fail(fmt.Sprintf("key revoked: %s", signingKeyID))
	}

	valid, err := Verify(entry.PublicKeyHex, signatureHex, signingBytes)
	if err != nil {
		return fail(fmt.Sprintf("signature check error: %v", err))
	}
	if !valid {
		return fail("signature mismatch")
	}
	return ok()
}

// CheckFreshness implements the freshness check shared by the TRE pipeline
// and the agent gate: expires_at must be in the future, and issued_at must
// be within +/- skew of now.
func CheckFreshness(issuedAt, expiresAt, now time.Time, skew time.Duration) VerifyResult {
	if !now.Before(expiresAt) {
		return fail("expired")
	}
	delta := now.Sub(issuedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > skew {
		return fail("clock_skew")
	}
	return ok()
}
