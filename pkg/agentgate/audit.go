package agentgate

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// AuditOutcome is the local, per-command record written for every gate
// decision, independent of the central audit ledger: the gate must keep
// evidence of its own decisions even when Core (and therefore the ledger)
// is unreachable.
type AuditOutcome string

const (
	OutcomeAccepted AuditOutcome = "ACCEPTED"
	OutcomeRejected AuditOutcome = "REJECTED"
)

// auditLine is one JSONL record.
type auditLine struct {
	Timestamp  time.Time    `json:"timestamp"`
	CommandID  string       `json:"command_id"`
	ActionType string       `json:"action_type,omitempty"`
	Outcome    AuditOutcome `json:"outcome"`
	Reason     string       `json:"reason,omitempty"`
}

// AuditLogger appends one JSON line per gate decision to a local file. A
// single mutex serializes writes; this is the agent's own audit trail, kept
// separate from the signed central ledger so it survives Core being
// unreachable.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewAuditLogger opens (creating if absent) the JSONL audit file at path in
// append mode.
func NewAuditLogger(path string) (*AuditLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("agentgate: opening audit log: %w", err)
	}
	return &AuditLogger{file: f}, nil
}

// Log appends one outcome line.
func (a *AuditLogger) Log(now time.Time, commandID, actionType string, outcome AuditOutcome, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, err := json.Marshal(auditLine{
		Timestamp:  now,
		CommandID:  commandID,
		ActionType: actionType,
		Outcome:    outcome,
		Reason:     reason,
	})
	if err != nil {
		return fmt.Errorf("agentgate: marshaling audit line: %w", err)
	}
	b = append(b, '\n')
	if _, err := a.file.Write(b); err != nil {
		return fmt.Errorf("agentgate: writing audit line: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (a *AuditLogger) Close() error {
	return a.file.Close()
}
