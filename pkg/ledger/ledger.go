// Package ledger implements the append-only, hash-chained, per-entry-signed
// audit ledger (spec §4.9). A single Ledger instance is the exclusive
// appender for its underlying file; every other component reaches the
// ledger only through Append.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ransomeye/trustcore/pkg/canonicalize"
	"github.com/ransomeye/trustcore/pkg/crypto"
	"github.com/ransomeye/trustcore/pkg/model"
)

var (
	ErrEntryNotFound   = errors.New("ledger: entry not found")
	ErrChainBroken     = errors.New("ledger: hash chain is broken")
	ErrMutationDetected = errors.New("ledger: mutation of an existing entry detected")
)

const genesisHash = "genesis"

// Writer persists entries durably as they are appended, e.g. to a JSONL
// file. Append calls Writer after computing hash and signature but before
// returning, so a Writer failure never leaves an in-memory-only entry.
type Writer interface {
	Write(entry *model.LedgerEntry) error
}

// Ledger is the append-only, hash-chained ledger. One Ledger is the
// exclusive writer for its backing store; callers never bypass Append.
type Ledger struct {
	mu          sync.Mutex
	signer      crypto.Signer
	writer      Writer
	clock       func() time.Time
	entries     []*model.LedgerEntry
	entryByID   map[string]*model.LedgerEntry
	sequence    uint64
	chainHead   string
}

// New constructs an empty Ledger. Use Resume to seed chain state recovered
// from a previously persisted ledger file.
func New(signer crypto.Signer, writer Writer) *Ledger {
	return &Ledger{
		signer:    signer,
		writer:    writer,
		clock:     time.Now,
		entryByID: make(map[string]*model.LedgerEntry),
		chainHead: genesisHash,
	}
}

// WithClock overrides the clock for deterministic tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Resume seeds the ledger's sequence/hash state from the last entry found on
// disk at startup, so sequence numbers are never reused across restarts.
func (l *Ledger) Resume(lastSequence uint64, lastHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sequence = lastSequence
	l.chainHead = lastHash
}

// Append implements the §4.9 contract: append(component, action_type,
// subject, actor, payload) -> {ledger_entry_id, hash}. The writer holds the
// lock for the full duration of the append — concurrent appenders serialize
// here, matching the "single appender per process" invariant.
func (l *Ledger) Append(component, actionType, subject, actor string, payload map[string]any) (*model.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.sequence + 1
	entry := &model.LedgerEntry{
		LedgerEntryID: uuid.NewString(),
		Sequence:      seq,
		Timestamp:     l.clock().UTC(),
		Component:     component,
		ActionType:    actionType,
		Subject:       subject,
		Actor:         actor,
		Payload:       payload,
		PrevHash:      l.chainHead,
	}

	signingBytes, err := canonicalize.LedgerEntrySigningBytes(entry)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalizing entry: %w", err)
	}
	hash := canonicalize.HashBytes(signingBytes)
	entry.Hash = hash

	sig, err := l.signer.Sign([]byte(hash))
	if err != nil {
		return nil, fmt.Errorf("ledger: signing entry: %w", err)
	}
	entry.Signature = sig
	entry.SigningKeyID = l.signer.KeyID()

	if l.writer != nil {
		if err := l.writer.Write(entry); err != nil {
			return nil, fmt.Errorf("ledger: persisting entry: %w", err)
		}
	}

	l.entries = append(l.entries, entry)
	l.entryByID[entry.LedgerEntryID] = entry
	l.sequence = seq
	l.chainHead = hash

	return entry, nil
}

// Get retrieves one entry by ID from the in-memory tail. Long-lived
// deployments read historical entries from the persisted store instead.
func (l *Ledger) Get(entryID string) (*model.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entryByID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// ChainHead returns the current chain head hash.
func (l *Ledger) ChainHead() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chainHead
}

// Sequence returns the current sequence number.
func (l *Ledger) Sequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

// VerifyChain walks entries from genesis, recomputing each hash and
// signature. Any mismatch is the fatal invariant violation named in spec §7
// — callers must treat a non-nil error as fatal, not retryable.
func VerifyChain(registry *crypto.Registry, entries []*model.LedgerEntry) error {
	expectedPrev := genesisHash
	for i, entry := range entries {
		if entry.PrevHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has prev_hash %s, expected %s", ErrChainBroken, i, entry.PrevHash, expectedPrev)
		}

		signingBytes, err := canonicalize.LedgerEntrySigningBytes(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d canonicalization failed: %v", ErrChainBroken, i, err)
		}
		computed := canonicalize.HashBytes(signingBytes)
		if computed != entry.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}

		result := crypto.VerifySignature(registry, entry.SigningKeyID, entry.Signature, []byte(entry.Hash))
		if !result.OK {
			return fmt.Errorf("%w: entry %d signature invalid: %s", ErrChainBroken, i, result.Reason)
		}

		expectedPrev = entry.Hash
	}
	return nil
}

// ReadEntriesJSONL reads every entry from a ledger file written by
// JSONLWriter, in file order. It is the read-side counterpart a caller
// uses to verify a ledger it did not itself append to this run — a fresh
// VerifyChain pass needs the full chain from genesis, not just the
// in-memory tail an active Ledger happens to be holding.
func ReadEntriesJSONL(path string) ([]*model.LedgerEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening %s: %w", path, err)
	}
	defer f.Close()

	var entries []*model.LedgerEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry model.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("ledger: parsing entry in %s: %w", path, err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scanning %s: %w", path, err)
	}
	return entries, nil
}

// JSONLWriter appends each entry as one JSON line, the on-disk layout named
// in the ambient-stack persisted state list. It holds no file descriptor
// between calls; callers provide an append func backed by an
// O_APPEND|O_SYNC file so writes cannot interleave with another process.
type JSONLWriter struct {
	AppendLine func([]byte) error
}

func (w JSONLWriter) Write(entry *model.LedgerEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger: marshaling entry for write: %w", err)
	}
	line = append(line, '\n')
	return w.AppendLine(line)
}
