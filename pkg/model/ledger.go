package model

import "time"

// LedgerEntry is one append-only, hash-chained, signed record in the audit
// ledger (spec §4.9). hash is computed over the canonical entry with hash
// and signature blanked; prev_hash must equal the previous entry's hash.
type LedgerEntry struct {
	LedgerEntryID string         `json:"ledger_entry_id"`
	Sequence      uint64         `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	Component     string         `json:"component"`
	ActionType    string         `json:"action_type"`
	Subject       string         `json:"subject"`
	Actor         string         `json:"actor"`
	Payload       map[string]any `json:"payload"`
	PrevHash      string         `json:"prev_hash"`
	Hash          string         `json:"hash"`
	Signature     string         `json:"signature"`
	SigningKeyID  string         `json:"signing_key_id"`
}

// Well-known action_type values named in spec §4.5's dedicated audit-ledger
// entries. Other components append with their own action_type strings; this
// is not an exhaustive enum.
const (
	ActionRBACPermissionCheck = "rbac_permission_check"
	ActionTREActionBlocked    = "tre_action_blocked"
	ActionTREHAFDeny          = "tre_haf_deny"
	ActionRateLimitHit        = "action_rate_limit_hit"
	ActionTREActionExecuted   = "tre_action_executed"
	ActionTRERollbackExecuted = "tre_rollback_executed"
	ActionPostIncidentAttested = "post_incident_attested"
	ActionIncidentReopened    = "incident_reopened"
)
