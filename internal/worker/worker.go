// Package worker implements the in-process isolate driver from spec.md
// §4.9: spawn a goja.Runtime as an isolate, harden it, wrap it in a Scope
// (tools are installed against that Scope by the caller), send it a
// Packet, and race its result against a wall-clock
// deadline, killing via Runtime.Interrupt() on timeout. Grounded on
// internal/agentexec/server.go's ExecuteCommand: a per-call response
// channel, a timer racing against it in a select, and a deferred cleanup
// that always removes the pending entry — here the "agent" is an
// in-process goroutine instead of a remote websocket peer, and the kill
// primitive is goja's interrupt instead of a network message.
package worker

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"

	"github.com/isorun/isorun/internal/hardening"
	"github.com/isorun/isorun/internal/logpipe"
	"github.com/isorun/isorun/internal/models"
	"github.com/isorun/isorun/internal/scope"
	"github.com/isorun/isorun/internal/tools"
)

var componentLog = log.With().Str("component", "worker").Logger()

// timeoutInterruptValue is what rt.Interrupt(v) surfaces through the
// recovered *goja.InterruptedError's Value() — used to distinguish a
// deliberate deadline kill from any other interrupt source.
const timeoutInterruptValue = "timeout"

// Process is one live isolate: its goja runtime, the Scope wrapping it,
// and the handle used to kill it from another goroutine.
type Process struct {
	ID    string
	rt    *goja.Runtime
	Scope *scope.Scope
}

// Spawn creates a fresh goja.Runtime, hardens it per spec.md §4.1, and
// wraps it in a Scope. The runtime is not yet loaded with a program; the
// caller installs tools against Scope, then calls Run per request.
func Spawn(id string) (*Process, error) {
	rt := goja.New()
	s := scope.New(rt)

	if _, err := hardening.Harden(rt, nil, hardening.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("worker: harden %s: %w", id, err)
	}

	return &Process{ID: id, rt: rt, Scope: s}, nil
}

// Kill interrupts the runtime, unblocking any in-flight RunString/Callable
// invocation with a recoverable *goja.InterruptedError. Safe to call from
// any goroutine, any number of times.
func (p *Process) Kill() {
	p.rt.Interrupt(timeoutInterruptValue)
}

// Result is what running a packet to completion (or interruption)
// produces, before the caller wraps it into a models.Output with logs.
type Result struct {
	Value any
	Err   error
}

// Runner drives one packet through a Process under a deadline, per
// spec.md §4.9's algorithm: build the program from the packet, run its
// entry point on a background goroutine, and race the result against
// time.After(timeoutMs).
type Runner struct {
	proc      *Process
	timeoutMs int
}

// NewRunner builds a Runner bound to proc with the given timeout.
func NewRunner(proc *Process, timeoutMs int) *Runner {
	return &Runner{proc: proc, timeoutMs: timeoutMs}
}

// Run transpiles packet.Code's export syntax into plain script code, runs
// it, invokes the named entry point with input, and returns within
// timeoutMs or a TimeoutError. internal is passed through so the caller
// can flush queued channel events between turns (spec.md §4.6).
func (r *Runner) Run(ctx context.Context, packet models.Packet, internal *tools.Internal) models.Output {
	start := time.Now()
	pipe := logpipe.New()
	installConsole(r.proc.Scope, pipe)

	timeout := time.Duration(r.timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	resultCh := make(chan Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				if ie, ok := rec.(*goja.InterruptedError); ok {
					resultCh <- Result{Err: fmt.Errorf("interrupted: %v", ie.Value())}
					return
				}
				resultCh <- Result{Err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		val, err := r.invoke(packet)
		resultCh <- Result{Value: val, Err: err}
	}()

	timer := time.NewTimer(timeout)
	defer func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}()

	select {
	case res := <-resultCh:
		if internal != nil {
			internal.FlushChannelEvents()
		}
		duration := time.Since(start)
		if res.Err != nil {
			return models.ExceptionOutput(errorName(res.Err), res.Err.Error(), duration)
		}
		return models.Output{OK: true, Result: res.Value, Logs: pipe.Drain(), Duration: duration.Milliseconds()}

	case <-timer.C:
		r.proc.Kill()
		<-resultCh // let the goroutine unwind past the interrupt before returning
		duration := time.Since(start)
		componentLog.Warn().Str("worker", r.proc.ID).Dur("after", duration).Msg("execution exceeded deadline, worker killed")
		return models.ExceptionOutput(models.ErrNameTimeoutError, "Execution timeout", duration)

	case <-ctx.Done():
		r.proc.Kill()
		<-resultCh
		duration := time.Since(start)
		return models.ExceptionOutput(models.ErrNameTimeoutError, "Execution canceled", duration)
	}
}

// invoke calls the entry point exported by packet.Code with packet.Input,
// returning its resolved value.
func (r *Runner) invoke(packet models.Packet) (any, error) {
	rt := r.proc.rt
	if _, err := rt.RunString(transpileEntryModule(packet.Code)); err != nil {
		return nil, fmt.Errorf("%s: %w", models.ErrNameEntryError, err)
	}

	entryName := packet.Entry
	if entryName == "" {
		entryName = "default"
	}
	entryVal := rt.GlobalObject().Get(entryName)
	if entryVal == nil || goja.IsUndefined(entryVal) {
		return nil, fmt.Errorf("%s: no export named %q", models.ErrNameEntryError, entryName)
	}
	fn, ok := goja.AssertFunction(entryVal)
	if !ok {
		return nil, fmt.Errorf("%s: export %q is not callable", models.ErrNameEntryError, entryName)
	}

	res, err := fn(goja.Undefined(), rt.ToValue(packet.Input))
	if err != nil {
		return nil, err
	}
	if p, ok := res.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateRejected:
			return nil, fmt.Errorf("%s", p.Result().String())
		case goja.PromiseStateFulfilled:
			return p.Result().Export(), nil
		}
	}
	return res.Export(), nil
}

var (
	reExportDefault  = regexp.MustCompile(`(?m)^\s*export\s+default\s+`)
	reExportFunction = regexp.MustCompile(`(?m)^\s*export\s+function\s+([A-Za-z_$][\w$]*)`)
	reExportClass    = regexp.MustCompile(`(?m)^\s*export\s+class\s+([A-Za-z_$][\w$]*)`)
	reExportDecl     = regexp.MustCompile(`(?m)^\s*export\s+(?:const|let|var)\s+`)
	reExportList     = regexp.MustCompile(`(?m)^\s*export\s*\{[^}]*\}\s*;?`)
)

// transpileEntryModule rewrites the export syntax spec.md §8's scenarios
// are written in into plain script-goal JavaScript goja's RunString
// accepts. goja parses the ECMAScript Script grammar, which has no
// "export" production at all — "export default (x)=>x*2" is a SyntaxError
// verbatim, so every request has to pass through here before RunString.
//
// "export default <expr>" becomes an explicit assignment to the
// well-known "default" global, which the worker then looks up the same
// way as any other entry name. "export function"/"export class" are
// rewritten the same way — an explicit globalThis assignment of a
// function/class expression — rather than relying on whether a bare
// top-level declaration happens to land on the global object under
// script semantics. "export const/let" is downgraded to "var" so the
// declared name is reachable as a global property. A bare re-export list
// names bindings the rewrites above have already made global, so it's
// simply dropped.
func transpileEntryModule(code string) string {
	code = reExportDefault.ReplaceAllString(code, "globalThis.default = ")
	code = reExportFunction.ReplaceAllString(code, "globalThis.$1 = function $1")
	code = reExportClass.ReplaceAllString(code, "globalThis.$1 = class $1")
	code = reExportDecl.ReplaceAllString(code, "var ")
	code = reExportList.ReplaceAllString(code, "")
	return code
}

// errorName extracts the taxonomy name spec.md §7 wants for an exception
// log: a prefix of "EntryError: " or "TimeoutError: " on the wrapped
// message names its kind explicitly; anything else surfaces as "Error",
// matching a thrown JS Error's default constructor name.
func errorName(err error) string {
	msg := err.Error()
	for _, name := range []string{models.ErrNameEntryError, models.ErrNameTimeoutError} {
		if len(msg) > len(name) && msg[:len(name)] == name {
			return name
		}
	}
	return "Error"
}

// installConsole reroutes console.log/info/warn/error into pipe as
// LogEntry values (spec.md §4.5).
func installConsole(s *scope.Scope, pipe *logpipe.Pipe) {
	mk := func(level models.LogLevel) func(args ...any) {
		return func(args ...any) {
			pipe.Post(models.LogEntry{
				Level:     level,
				Message:   formatArgs(args),
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
	console := map[string]any{
		"log":   mk(models.LogLevelLog),
		"info":  mk(models.LogLevelInfo),
		"warn":  mk(models.LogLevelWarn),
		"error": mk(models.LogLevelError),
	}
	_ = s.Inject("console", console)
}

func formatArgs(args []any) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprint(a)
	}
	return out
}
