// Package rpcbridge implements the correlated request/response channel
// from spec.md §4.7, over the same message transport as logs, using the
// 'rpc'/'rpc:reply'/'rpc:error' type prefixes. Grounded directly on
// internal/agentexec/server.go's pendingReqs map + pendingRequestKey +
// timeout/ctx select pattern, here generalized from "agent command
// results" to arbitrary named host-side handlers (the db tool is the one
// built-in consumer, per spec.md §4.3).
package rpcbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var componentLog = log.With().Str("component", "rpcbridge").Logger()

// ErrUnknownMethod is the underlying error for an RPCError whose name was
// not registered on the host.
var ErrUnknownMethod = errors.New("rpc: method not registered")

// Handler executes a named RPC method on the host, given its args.
type Handler func(ctx context.Context, args any) (any, error)

// Reply is what a pending call resolves with: either a result or an error
// whose Name preserves the original error's identity across the bridge
// (spec.md §7: "An RPC error preserves the original error's name").
type Reply struct {
	Result any
	Err    error
	Name   string
}

// namedError lets a Handler control the Name an RPCError surfaces with;
// an error that doesn't implement this interface defaults to "RPCError".
type namedError interface {
	error
	RPCName() string
}

// Bridge is the host side: named handlers plus a table of pending calls
// keyed by correlation id, mirroring pendingReqs in agentexec.Server.
type Bridge struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	pending  map[string]chan Reply
}

// New creates an empty bridge.
func New() *Bridge {
	return &Bridge{
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan Reply),
	}
}

// RegisterHandler installs a named host-side method. Re-registering a
// name replaces the previous handler.
func (b *Bridge) RegisterHandler(method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

// HandleRequest is called when an {type:'rpc', id, method, args} message
// arrives from a worker: it invokes the matching handler and returns the
// reply message the worker driver should post back ({type:'rpc:reply'} or
// {type:'rpc:error'}), with the same correlation id.
func (b *Bridge) HandleRequest(ctx context.Context, id, method string, args any) Reply {
	b.mu.RLock()
	h, ok := b.handlers[method]
	b.mu.RUnlock()
	if !ok {
		componentLog.Warn().Str("method", method).Str("id", id).Msg("rpc method not registered")
		return Reply{Err: fmt.Errorf("%w: %s", ErrUnknownMethod, method), Name: "RPCError"}
	}
	result, err := h(ctx, args)
	if err != nil {
		name := "RPCError"
		var ne namedError
		if errors.As(err, &ne) {
			name = ne.RPCName()
		}
		return Reply{Err: err, Name: name}
	}
	return Reply{Result: result}
}

// Call registers a pending call, returning its correlation id and the
// channel that Resolve/Reject will deliver to. Callers arm their own
// deadline around receiving from the returned channel; Call itself never
// blocks.
func (b *Bridge) Call() (id string, wait <-chan Reply) {
	id = uuid.New().String()
	ch := make(chan Reply, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Resolve delivers a successful {type:'rpc:reply'} to the pending call
// with the given id. Unknown or already-resolved ids are ignored: "late
// replies are ignored" (spec.md §5).
func (b *Bridge) Resolve(id string, result any) {
	b.deliver(id, Reply{Result: result})
}

// Reject delivers an {type:'rpc:error'} to the pending call with the
// given id, preserving the error name across the bridge.
func (b *Bridge) Reject(id, name, message string) {
	b.deliver(id, Reply{Err: errors.New(message), Name: name})
}

func (b *Bridge) deliver(id string, r Reply) {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		componentLog.Debug().Str("id", id).Msg("rpc reply for unknown or already-resolved call, ignored")
		return
	}
	ch <- r
	close(ch)
}

// Abandon removes a pending call without delivering to it, used when the
// caller gives up waiting (e.g. the owning request's deadline fired).
func (b *Bridge) Abandon(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

// RPCError wraps a reply whose handler failed, implementing namedError so
// a caller one level up the bridge can keep preserving the name.
type RPCError struct {
	Name    string
	Message string
}

func (e *RPCError) Error() string   { return e.Message }
func (e *RPCError) RPCName() string { return e.Name }
