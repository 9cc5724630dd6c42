package worker

import (
	"context"

	"github.com/isorun/isorun/internal/models"
	"github.com/isorun/isorun/internal/scope"
	"github.com/isorun/isorun/internal/tools"
)

// ScopeProvider is implemented by isolates that expose a tool-installable
// Scope. Only the in-process driver satisfies this — internal/worker/
// dockerdriver has no goja scope, so tool installation is a no-op there
// and its container image must bundle any capabilities it needs.
type ScopeProvider interface {
	ScopeValue() *scope.Scope
}

// Isolate is the minimal surface the cluster needs from a live worker,
// regardless of whether it runs in-process (goja) or out-of-process
// (internal/worker/dockerdriver): an id for channel-bus registration, a
// kill switch, and a way to run one packet to completion.
type Isolate interface {
	ID() string
	Kill()
	Run(ctx context.Context, packet models.Packet, timeoutMs int, internal *tools.Internal) models.Output
}

// Driver spawns new Isolates. internal/cluster is parameterized over a
// Driver so deployments can choose the in-process goja driver (InProcessDriver)
// or swap in a container-backed one without changing pool logic.
type Driver interface {
	Spawn(id string) (Isolate, error)
}

// inProcessIsolate adapts Process+Runner to the Isolate interface.
type inProcessIsolate struct {
	proc *Process
}

func (i *inProcessIsolate) ID() string                { return i.proc.ID }
func (i *inProcessIsolate) Kill()                     { i.proc.Kill() }
func (i *inProcessIsolate) ScopeValue() *scope.Scope { return i.proc.Scope }
func (i *inProcessIsolate) Run(ctx context.Context, packet models.Packet, timeoutMs int, internal *tools.Internal) models.Output {
	return NewRunner(i.proc, timeoutMs).Run(ctx, packet, internal)
}

// InProcessDriver spawns isolates as goja.Runtime values in the current
// process, per spec.md §4.9. This is the default driver.
type InProcessDriver struct{}

func (InProcessDriver) Spawn(id string) (Isolate, error) {
	proc, err := Spawn(id)
	if err != nil {
		return nil, err
	}
	return &inProcessIsolate{proc: proc}, nil
}
