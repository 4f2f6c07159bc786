package model

import "time"

// ActionType is the frozen enum of response actions an agent can execute.
// Classification (SAFE vs DESTRUCTIVE) is a lookup against this set, not a
// property carried on the value itself — see pkg/tre.Classify.
type ActionType string

const (
	ActionBlockProcess           ActionType = "BLOCK_PROCESS"
	ActionBlockNetworkConnection ActionType = "BLOCK_NETWORK_CONNECTION"
	ActionTemporaryFirewallRule  ActionType = "TEMPORARY_FIREWALL_RULE"
	ActionQuarantineFile         ActionType = "QUARANTINE_FILE"
	ActionIsolateHost            ActionType = "ISOLATE_HOST"
	ActionLockUser               ActionType = "LOCK_USER"
	ActionDisableService         ActionType = "DISABLE_SERVICE"
	ActionMassProcessKill        ActionType = "MASS_PROCESS_KILL"
	ActionNetworkSegmentIsolation ActionType = "NETWORK_SEGMENT_ISOLATION"
)

// AllActionTypes is the frozen set used for schema enum validation.
var AllActionTypes = map[ActionType]bool{
	ActionBlockProcess:            true,
	ActionBlockNetworkConnection:  true,
	ActionTemporaryFirewallRule:   true,
	ActionQuarantineFile:          true,
	ActionIsolateHost:             true,
	ActionLockUser:                true,
	ActionDisableService:          true,
	ActionMassProcessKill:         true,
	ActionNetworkSegmentIsolation: true,
}

// TREMode is the single active enforcement mode.
type TREMode string

const (
	ModeDryRun       TREMode = "DRY_RUN"
	ModeGuardedExec  TREMode = "GUARDED_EXEC"
	ModeFullEnforce  TREMode = "FULL_ENFORCE"
)

var AllTREModes = map[TREMode]bool{
	ModeDryRun:      true,
	ModeGuardedExec: true,
	ModeFullEnforce: true,
}

// IssuedByRole is the frozen role set accepted at the agent gate and by RBAC.
type IssuedByRole string

const (
	RoleAnalyst     IssuedByRole = "ANALYST"
	RoleResponder   IssuedByRole = "RESPONDER"
	RoleAdmin       IssuedByRole = "ADMIN"
	RoleSuperAdmin  IssuedByRole = "SUPER_ADMIN"
	RoleSystem      IssuedByRole = "SYSTEM"
)

var AllIssuedByRoles = map[IssuedByRole]bool{
	RoleAnalyst:    true,
	RoleResponder:  true,
	RoleAdmin:      true,
	RoleSuperAdmin: true,
	RoleSystem:     true,
}

// IssuingAuthority is the frozen set of entities allowed to author a command.
type IssuingAuthority string

const (
	AuthorityPolicyEngine         IssuingAuthority = "policy-engine"
	AuthorityThreatResponseEngine IssuingAuthority = "threat-response-engine"
	AuthorityHumanAuthority       IssuingAuthority = "human-authority"
)

var AllIssuingAuthorities = map[IssuingAuthority]bool{
	AuthorityPolicyEngine:         true,
	AuthorityThreatResponseEngine: true,
	AuthorityHumanAuthority:       true,
}

// BlastScope is the declared target-set shape of a command.
type BlastScope string

const (
	ScopeHost    BlastScope = "HOST"
	ScopeGroup   BlastScope = "GROUP"
	ScopeNetwork BlastScope = "NETWORK"
	ScopeGlobal  BlastScope = "GLOBAL"
)

// SignedCommand is the response atom: a policy-issued, signed instruction
// dispatched to one or more agents.
type SignedCommand struct {
	CommandID        string           `json:"command_id"`
	ActionType       ActionType       `json:"action_type"`
	Target           string           `json:"target"`
	BlastScope       BlastScope       `json:"blast_scope"`
	TargetCount      int              `json:"target_count"`
	IncidentID       string           `json:"incident_id,omitempty"`
	TREMode          TREMode          `json:"tre_mode"`
	IssuedByUserID   string           `json:"issued_by_user_id"`
	IssuedByRole     IssuedByRole     `json:"issued_by_role"`
	ApprovalID       string           `json:"approval_id,omitempty"`
	IssuedAt         time.Time        `json:"issued_at"`
	ExpiresAt        time.Time        `json:"expires_at"`
	RollbackToken    string           `json:"rollback_token"`
	PolicyID         string           `json:"policy_id"`
	PolicyVersion    string           `json:"policy_version"`
	IssuingAuthority IssuingAuthority `json:"issuing_authority"`
	Signature        string           `json:"signature,omitempty"`
	SigningKeyID     string           `json:"signing_key_id,omitempty"`
	SigningAlgorithm string           `json:"signing_algorithm,omitempty"`
	SignedAt         time.Time        `json:"signed_at,omitempty"`
}

// ExecutionStatus governs a response action's lifecycle.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "PENDING"
	ExecutionSucceeded  ExecutionStatus = "SUCCEEDED"
	ExecutionFailed     ExecutionStatus = "FAILED"
	ExecutionRolledBack ExecutionStatus = "ROLLED_BACK"
	ExecutionSimulated  ExecutionStatus = "SIMULATED"
)

// ResponseAction is the persisted record of a dispatched command.
type ResponseAction struct {
	ActionID        string
	Command         SignedCommand
	ExecutionStatus ExecutionStatus
	RollbackCapable bool
	LedgerEntryID   string
	ExecutedAt      time.Time
}

// RollbackArtifact is the pre-execution snapshot needed to reverse an action.
type RollbackArtifact struct {
	RollbackToken string         `json:"rollback_token"`
	ActionType    ActionType     `json:"action_type"`
	CapturedAt    time.Time      `json:"captured_at"`
	Replayed      bool           `json:"replayed"`
	Data          map[string]any `json:"data"`
	ArchiveHash   string         `json:"archive_hash,omitempty"`
	ArchiveError  string         `json:"archive_error,omitempty"`
}

// ApprovalStatus is the lifecycle of a HAF approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// HAFApproval gates destructive actions in FULL_ENFORCE mode.
type HAFApproval struct {
	ApprovalID     string
	ActionID       string
	RequestedBy    string
	ApproverUserID string
	ApproverRole   IssuedByRole
	Status         ApprovalStatus
	RequestedAt    time.Time
	DecidedAt      time.Time
	ExpiresAt      time.Time
	LedgerEntryID  string
}

// PolicyDecision is one policy-engine evaluation of an incident: a
// recommendation plus the signed command it produced, written to the
// decision store but never dispatched (simulation-first, §4.5).
type PolicyDecision struct {
	DecisionID       string
	IncidentID       string
	ShouldRecommend  bool
	ActionType       ActionType
	Reason           string
	Command          *SignedCommand
	EvaluatedAt      time.Time
}

// IncidentAttestation is the post-execution sign-off a DESTRUCTIVE action
// produces: both slots must be filled before the UI allows incident closure
// (spec §4.6 step 9).
type IncidentAttestation struct {
	AttestationID    string
	IncidentID       string
	ActionID         string
	ExecutorUserID   string
	ExecutorAttested bool
	ApproverUserID   string
	ApproverAttested bool
	CreatedAt        time.Time
}

// Satisfied reports whether both attestation slots have been submitted.
func (a IncidentAttestation) Satisfied() bool {
	return a.ExecutorAttested && a.ApproverAttested
}

// CachedAgentPolicy is the agent's last-known allow/deny snapshot, used for
// fail-closed enforcement when Core is unreachable (§4.7a).
type CachedAgentPolicy struct {
	Version           string     `json:"version"`
	ProhibitedActions []string   `json:"prohibited_actions"`
	AllowedActions    []string   `json:"allowed_actions"`
	LastUpdated       time.Time  `json:"last_updated"`
	IntegrityHash     string     `json:"integrity_hash,omitempty"`
}
