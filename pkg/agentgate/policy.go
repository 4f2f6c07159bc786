package agentgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ransomeye/trustcore/pkg/canonicalize"
	"github.com/ransomeye/trustcore/pkg/model"
)

// healthProbeTimeout is the §4.7a Core reachability probe budget: 2 seconds,
// no retries.
const healthProbeTimeout = 2 * time.Second

// HealthProber reports whether Core is currently reachable. Swappable for
// tests; NewHTTPHealthProber builds the real one.
type HealthProber func(ctx context.Context) bool

// NewHTTPHealthProber builds a HealthProber that issues a HEAD request
// against url with a 2-second timeout and no retries, treating any 2xx
// response as reachable.
func NewHTTPHealthProber(url string) HealthProber {
	client := &http.Client{Timeout: healthProbeTimeout}
	return func(ctx context.Context) bool {
		reqCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}
}

// PolicyChecker implements §4.7a: when Core is unreachable, the agent gate
// falls back to its last cached allow/deny snapshot instead of trusting the
// command's signature alone.
type PolicyChecker struct {
	path   string
	probe  HealthProber
	clock  func() time.Time
}

// NewPolicyChecker builds a checker backed by the cached-policy file at path.
func NewPolicyChecker(path string, probe HealthProber, clock func() time.Time) *PolicyChecker {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &PolicyChecker{path: path, probe: probe, clock: clock}
}

// Allow implements the §4.7a decision tree. When Core answers the health
// probe, the cached policy plays no role — the command has already cleared
// signature, freshness, and approval checks. When Core is unreachable:
//  1. no cached policy, or its integrity hash fails → deny all.
//  2. the action is in prohibited_actions → deny.
//  3. allowed_actions is non-empty and the action is absent from it → deny.
//  4. allowed_actions is empty → deny (default-deny).
//  5. otherwise → allow.
func (c *PolicyChecker) Allow(ctx context.Context, actionType model.ActionType) (bool, string) {
	if c.probe != nil && c.probe(ctx) {
		return true, ""
	}

	cached, err := LoadCachedPolicy(c.path)
	if err != nil {
		return false, "policy_denied: no valid cached policy while core unreachable"
	}

	action := string(actionType)
	for _, prohibited := range cached.ProhibitedActions {
		if prohibited == action {
			return false, "policy_denied: action is prohibited in cached policy"
		}
	}
	if len(cached.AllowedActions) == 0 {
		return false, "policy_denied: cached policy has no allow-list (default deny)"
	}
	for _, allowed := range cached.AllowedActions {
		if allowed == action {
			return true, ""
		}
	}
	return false, "policy_denied: action not present in cached allow-list"
}

// LoadCachedPolicy reads and integrity-checks the cached policy file. A
// missing file, malformed JSON, or a hash mismatch are all reported as a
// single error — callers treat every one of these identically: deny all.
func LoadCachedPolicy(path string) (*model.CachedAgentPolicy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agentgate: reading cached policy: %w", err)
	}
	var p model.CachedAgentPolicy
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("agentgate: parsing cached policy: %w", err)
	}
	want := p.IntegrityHash
	got, err := hashPolicy(&p)
	if err != nil {
		return nil, err
	}
	if want == "" || want != got {
		return nil, fmt.Errorf("agentgate: cached policy integrity hash mismatch")
	}
	return &p, nil
}

// SaveCachedPolicy recomputes the integrity hash over the canonical JSON
// with that field cleared, then replaces the file atomically (temp file in
// the same directory, then rename) — the same atomic-replace discipline the
// key registry uses for its own persisted state.
func SaveCachedPolicy(path string, p *model.CachedAgentPolicy) error {
	p.IntegrityHash = ""
	hash, err := hashPolicy(p)
	if err != nil {
		return err
	}
	p.IntegrityHash = hash

	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("agentgate: marshaling cached policy: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), ".cached-policy.tmp")
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("agentgate: writing cached policy: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("agentgate: replacing cached policy: %w", err)
	}
	return nil
}

// hashPolicy computes the integrity hash over p's canonical JSON with
// integrity_hash already stripped by PolicySigningBytes itself.
func hashPolicy(p *model.CachedAgentPolicy) (string, error) {
	b, err := canonicalize.PolicySigningBytes(*p)
	if err != nil {
		return "", fmt.Errorf("agentgate: canonicalizing cached policy: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
