package rollback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"encoding/json"

	"github.com/ransomeye/trustcore/pkg/artifacts"
	"github.com/ransomeye/trustcore/pkg/model"
)

// ArtifactStore persists rollback artifacts keyed by rollback_token, one
// JSON file per token at <dir>/<rollback_token>.json (spec §4.8). This is
// deliberately a separate, token-keyed store rather than pkg/artifacts'
// content-addressed Store: a rollback artifact must be looked up by the
// token embedded in the original command, not by the hash of its own
// contents, so the two addressing schemes don't fit the same interface.
// The atomic write discipline (temp file, then rename) is the one piece
// worth reusing, and is reproduced directly here.
//
// An optional archive, when set via SetArchive, gets a copy of every
// captured artifact's data payload under its content hash — a durable,
// off-host backup (S3/GCS) of the snapshot an isolated or compromised host
// would otherwise be the only copy of. The local file stays the source of
// truth for Replay; the archive is write-behind and its failure never
// blocks a capture.
type ArtifactStore struct {
	dir     string
	archive artifacts.Store
	mu      sync.Mutex
}

// NewArtifactStore creates (if absent) the rollback artifact directory.
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("rollback: creating artifact directory: %w", err)
	}
	return &ArtifactStore{dir: dir}, nil
}

// SetArchive attaches a content-addressed backing store for durable
// off-host copies of captured artifact data. Pass nil to disable
// archiving (the default).
func (s *ArtifactStore) SetArchive(store artifacts.Store) {
	s.archive = store
}

func (s *ArtifactStore) path(token string) string {
	return filepath.Join(s.dir, token+".json")
}

// Save writes artifact to <dir>/<rollback_token>.json atomically, and, if
// an archive is attached, also stores artifact.Data content-addressed
// there and records the resulting hash. An archive failure is logged into
// the artifact's ArchiveError field rather than failing the capture — the
// local copy is always what Replay needs, the archive is a bonus.
func (s *ArtifactStore) Save(ctx context.Context, artifact *model.RollbackArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.archive != nil && !artifact.Replayed {
		data, err := json.Marshal(artifact.Data)
		if err != nil {
			return fmt.Errorf("rollback: marshaling artifact data for archival: %w", err)
		}
		hash, err := s.archive.Store(ctx, data)
		if err != nil {
			artifact.ArchiveError = err.Error()
		} else {
			artifact.ArchiveHash = hash
			artifact.ArchiveError = ""
		}
	}

	b, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("rollback: marshaling artifact: %w", err)
	}
	dest := s.path(artifact.RollbackToken)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("rollback: writing artifact: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("rollback: committing artifact: %w", err)
	}
	return nil
}

// Load reads the artifact for token. A missing or unreadable file is
// reported as an error; per §4.8, failure to load an artifact is fatal for
// that one rollback, never for the process.
func (s *ArtifactStore) Load(token string) (*model.RollbackArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path(token))
	if err != nil {
		return nil, fmt.Errorf("rollback: loading artifact %s: %w", token, err)
	}
	var artifact model.RollbackArtifact
	if err := json.Unmarshal(b, &artifact); err != nil {
		return nil, fmt.Errorf("rollback: parsing artifact %s: %w", token, err)
	}
	return &artifact, nil
}
