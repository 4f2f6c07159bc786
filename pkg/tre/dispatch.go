package tre

import "context"

// Dispatcher delivers a signed, approved command to the target agent over
// an authenticated channel. The transport itself is out of this module's
// scope (agents poll or receive over a channel owned by the deployment);
// Dispatcher is the seam a real transport implementation plugs into.
type Dispatcher interface {
	Dispatch(ctx context.Context, target string, commandJSON []byte) error
}

// NoopDispatcher accepts every dispatch without delivering it anywhere,
// matching the rollback engine's NoopHostController default — a safe
// placeholder until a real agent-transport implementation is wired in.
type NoopDispatcher struct{}

func (NoopDispatcher) Dispatch(ctx context.Context, target string, commandJSON []byte) error {
	return nil
}
