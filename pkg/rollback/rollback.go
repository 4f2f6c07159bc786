// Package rollback implements the two-phase rollback engine of spec §4.8:
// capture a reverse-operation artifact before a destructive action
// executes, and replay it — idempotently — against a signed rollback
// command.
package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/ransomeye/trustcore/pkg/model"
)

// Engine ties an ArtifactStore to a HostController. Grounded on
// pkg/tre.Pipeline's shape: a small set of injected dependencies and an
// injectable clock, no hidden global state.
type Engine struct {
	artifacts  *ArtifactStore
	controller HostController
	clock      func() time.Time
}

// New constructs an Engine. A nil controller defaults to NoopHostController,
// matching pkg/tre.New's nil-dispatcher default.
func New(artifacts *ArtifactStore, controller HostController) *Engine {
	if controller == nil {
		controller = NoopHostController{}
	}
	return &Engine{
		artifacts:  artifacts,
		controller: controller,
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the engine's clock, for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Capture records the pre-execution snapshot an executor needs to reverse
// actionType later, keyed by rollbackToken. Called before the action is
// actually carried out on the host.
func (e *Engine) Capture(ctx context.Context, rollbackToken string, actionType model.ActionType, data map[string]any) error {
	artifact := &model.RollbackArtifact{
		RollbackToken: rollbackToken,
		ActionType:    actionType,
		CapturedAt:    e.clock(),
		Replayed:      false,
		Data:          data,
	}
	if err := e.artifacts.Save(ctx, artifact); err != nil {
		return fmt.Errorf("rollback: capturing artifact for %s: %w", rollbackToken, err)
	}
	return nil
}

// ErrNoReverseOperation is returned when actionType has no defined reverse
// operation in §4.8 — BLOCK_PROCESS, BLOCK_NETWORK_CONNECTION,
// QUARANTINE_FILE, and ISOLATE_HOST are the only action types with one.
type ErrNoReverseOperation struct{ ActionType model.ActionType }

func (e *ErrNoReverseOperation) Error() string {
	return fmt.Sprintf("rollback: no reverse operation defined for action type %s", e.ActionType)
}

// Replay loads the artifact for rollbackToken and applies its reverse
// operation. Replay is idempotent: calling it again on a token already
// marked replayed is a no-op success, never a second attempt at reversing
// an already-reversed action. A failure to load the artifact, or an
// action type with no defined reverse operation, fails only this one
// rollback — callers must not treat either as process-fatal.
func (e *Engine) Replay(ctx context.Context, target, rollbackToken string) error {
	artifact, err := e.artifacts.Load(rollbackToken)
	if err != nil {
		return err
	}
	if artifact.Replayed {
		return nil
	}

	if err := e.applyReverse(ctx, target, artifact); err != nil {
		return err
	}

	artifact.Replayed = true
	if err := e.artifacts.Save(ctx, artifact); err != nil {
		return fmt.Errorf("rollback: persisting replayed state for %s: %w", rollbackToken, err)
	}
	return nil
}

func (e *Engine) applyReverse(ctx context.Context, target string, artifact *model.RollbackArtifact) error {
	switch artifact.ActionType {
	case model.ActionBlockProcess:
		return e.controller.RemoveCgroupDeny(ctx, target, artifact)
	case model.ActionBlockNetworkConnection:
		return e.controller.DeleteFirewallRule(ctx, target, artifact)
	case model.ActionQuarantineFile:
		return e.controller.RestoreQuarantinedFile(ctx, target, artifact)
	case model.ActionIsolateHost:
		return e.controller.ReattachNamespace(ctx, target, artifact)
	default:
		return &ErrNoReverseOperation{ActionType: artifact.ActionType}
	}
}
