package rollback

import (
	"context"
	"errors"

	"github.com/ransomeye/trustcore/pkg/model"
)

// ErrHostControlUnavailable is returned by a HostController method when the
// reverse operation cannot be carried out on the host (e.g. the real
// enforcement backend this runs against hasn't been wired up yet). It is
// never treated as a process-fatal error by Engine.Replay — only that one
// rollback fails.
var ErrHostControlUnavailable = errors.New("rollback: host control backend unavailable")

// HostController applies the reverse of a response action on the local
// host. One method per action type that has a defined rollback in §4.8;
// action types with no defined reverse operation are rejected by Engine
// before a HostController method is ever called.
type HostController interface {
	// RemoveCgroupDeny reverses BLOCK_PROCESS: lifts the cgroup-based deny
	// rule captured in artifact.Data (cmdline, state).
	RemoveCgroupDeny(ctx context.Context, target string, artifact *model.RollbackArtifact) error
	// DeleteFirewallRule reverses BLOCK_NETWORK_CONNECTION: removes the
	// firewall rule whose text was captured in artifact.Data.
	DeleteFirewallRule(ctx context.Context, target string, artifact *model.RollbackArtifact) error
	// RestoreQuarantinedFile reverses QUARANTINE_FILE: copies the file back
	// from quarantine_path to original_path and verifies its sha256.
	RestoreQuarantinedFile(ctx context.Context, target string, artifact *model.RollbackArtifact) error
	// ReattachNamespace reverses ISOLATE_HOST: re-attaches the host to the
	// namespace state captured before isolation.
	ReattachNamespace(ctx context.Context, target string, artifact *model.RollbackArtifact) error
}

// NoopHostController is the default HostController, matching
// pkg/tre.NoopDispatcher: every method accepts the reverse operation
// without actually performing it, a safe placeholder until a real
// host-enforcement backend is wired in. A real implementation returns
// ErrHostControlUnavailable when the backend it depends on (cgroups,
// firewall, filesystem, network namespaces) can't be reached.
type NoopHostController struct{}

func (NoopHostController) RemoveCgroupDeny(ctx context.Context, target string, artifact *model.RollbackArtifact) error {
	return nil
}

func (NoopHostController) DeleteFirewallRule(ctx context.Context, target string, artifact *model.RollbackArtifact) error {
	return nil
}

func (NoopHostController) RestoreQuarantinedFile(ctx context.Context, target string, artifact *model.RollbackArtifact) error {
	return nil
}

func (NoopHostController) ReattachNamespace(ctx context.Context, target string, artifact *model.RollbackArtifact) error {
	return nil
}
