// Package hardening freezes an isolate's global environment before user
// code runs (spec.md §4.1): builtins, prototypes, the runtime namespace,
// and dangerous globals, in that fixed order; Verify re-checks the result
// as a separate call. No pack repo freezes a scripting VM's global object — this is
// grounded on the *shape* of internal/ai/circuit.Breaker (ordered, mutex-
// guarded, returns a structured report) rather than any one file, operating
// over a goja.Runtime (see DESIGN.md for why goja is the chosen isolate
// runtime).
package hardening

import (
	"fmt"

	"github.com/dop251/goja"
)

// Options enumerates which hardening modules run. All default to true.
// Harden does not read Verify; verification runs only when the caller
// invokes Verify.
type Options struct {
	Prototypes bool
	Builtins   bool
	Globals    bool
	Runtime    bool
	Verify     bool
	Strict     bool
}

// DefaultOptions returns every module enabled, strict.
func DefaultOptions() Options {
	return Options{Prototypes: true, Builtins: true, Globals: true, Runtime: true, Verify: true, Strict: true}
}

// ModuleReport is the per-module slice of an overall Report.
type ModuleReport struct {
	Operations int
	Failures   int
	Details    []string
}

// Report is the overall result of a Harden or Verify call.
type Report struct {
	Builtins   ModuleReport
	Prototypes ModuleReport
	Runtime    ModuleReport
	Globals    ModuleReport
	Success    bool
}

func (r *Report) tally() {
	r.Success = r.Builtins.Failures == 0 && r.Prototypes.Failures == 0 &&
		r.Runtime.Failures == 0 && r.Globals.Failures == 0
}

// builtinNames lists the standard constructors/namespaces this runtime
// exposes, in freeze order: Object and Reflect must freeze first so no
// later freeze can be redefined through them.
var builtinNames = []string{
	"Object", "Reflect",
	"Array", "Function", "String", "Number", "Boolean",
	"RegExp", "Date", "Error", "TypeError", "RangeError", "SyntaxError",
	"Math", "JSON", "Promise", "Symbol", "Proxy", "Map", "Set", "WeakMap", "WeakSet",
}

// prototypeBearers is the subset of builtinNames whose .prototype object
// also needs hardening.
var prototypeBearers = []string{
	"Object", "Array", "Function", "String", "Number", "Boolean",
	"RegExp", "Date", "Error", "Promise", "Map", "Set",
}

const freezePrototypeSnippet = `(function(name){
  var ctor = globalThis[name];
  if (typeof ctor === 'undefined') { return 'missing'; }
  try {
    var proto = ctor.prototype;
    if (proto) {
      Object.getOwnPropertyNames(proto).forEach(function(k){
        var d = Object.getOwnPropertyDescriptor(proto, k);
        if (d && d.configurable) {
          if ('value' in d) {
            Object.defineProperty(proto, k, {value: d.value, writable: d.writable, enumerable: d.enumerable, configurable: false});
          } else {
            Object.defineProperty(proto, k, {get: d.get, set: d.set, enumerable: d.enumerable, configurable: false});
          }
        }
      });
      Object.freeze(proto);
    }
    Object.freeze(ctor);
    return 'ok';
  } catch (e) {
    return 'error:' + e.message;
  }
})`

const freezeBuiltinSnippet = `(function(name){
  var target = globalThis[name];
  if (typeof target === 'undefined') { return 'missing'; }
  try { Object.freeze(target); return 'ok'; } catch (e) { return 'error:' + e.message; }
})`

const checkFrozenSnippet = `(function(name){
  var target = globalThis[name];
  if (typeof target === 'undefined') { return 'missing'; }
  return Object.isFrozen(target) ? 'frozen' : 'mutable';
})`

const lockGlobalSnippet = `(function(name){
  try {
    var stub = function(){ throw new Error(name + ' is disabled in this isolate'); };
    Object.freeze(stub.prototype);
    Object.freeze(stub);
    Object.defineProperty(globalThis, name, {
      value: stub,
      writable: false, configurable: false, enumerable: false
    });
    return 'ok';
  } catch (e) { return 'error:' + e.message; }
})`

// dangerousGlobals are locked to throwing stubs by the "globals" module:
// eval and the Function constructor are the two dynamic-code-execution
// escape hatches a hardened isolate must not expose.
var dangerousGlobals = []string{"eval", "Function"}

// Harden runs the hardening pipeline against rt in the fixed algorithm
// order from spec.md §4.1, using the env map as the source for the
// runtime's read-only env facade. In strict mode, any single operation
// failure fails the whole call (the caller should treat a non-Success
// Report as fatal); in non-strict mode failures are only recorded.
func Harden(rt *goja.Runtime, env map[string]string, opts Options) (Report, error) {
	var report Report

	if opts.Builtins {
		report.Builtins = runNamed(rt, freezeBuiltinSnippet, builtinNames)
		if opts.Strict && report.Builtins.Failures > 0 {
			return report, fmt.Errorf("hardening: builtins module failed: %v", report.Builtins.Details)
		}
	}

	if opts.Prototypes {
		report.Prototypes = runNamed(rt, freezePrototypeSnippet, prototypeBearers)
		if opts.Strict && report.Prototypes.Failures > 0 {
			return report, fmt.Errorf("hardening: prototypes module failed: %v", report.Prototypes.Details)
		}
	}

	if opts.Runtime {
		report.Runtime = hardenRuntime(rt, env)
		if opts.Strict && report.Runtime.Failures > 0 {
			return report, fmt.Errorf("hardening: runtime module failed: %v", report.Runtime.Details)
		}
	}

	if opts.Globals {
		report.Globals = runNamed(rt, lockGlobalSnippet, dangerousGlobals)
		if opts.Strict && report.Globals.Failures > 0 {
			return report, fmt.Errorf("hardening: globals module failed: %v", report.Globals.Details)
		}
	}

	report.tally()
	return report, nil
}

func runNamed(rt *goja.Runtime, snippet string, names []string) ModuleReport {
	var mr ModuleReport
	fnVal, err := rt.RunString(snippet)
	if err != nil {
		mr.Failures++
		mr.Details = append(mr.Details, "failed to compile hardening snippet: "+err.Error())
		return mr
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		mr.Failures++
		mr.Details = append(mr.Details, "hardening snippet did not produce a callable")
		return mr
	}
	for _, name := range names {
		mr.Operations++
		res, err := fn(goja.Undefined(), rt.ToValue(name))
		if err != nil {
			mr.Failures++
			mr.Details = append(mr.Details, name+": "+err.Error())
			continue
		}
		s := res.String()
		if s == "missing" {
			continue // not present on this runtime build, nothing to harden
		}
		if s != "ok" && s != "frozen" {
			mr.Failures++
			mr.Details = append(mr.Details, name+": "+s)
		}
	}
	return mr
}

// hardenRuntime snapshots env into a frozen read-only facade exposed as
// globalThis.runtime.env, locks the dangerous runtime methods (exit, kill,
// chdir, setuid) to throwing stubs, exposes an empty fds list in place of
// raw file descriptors, and finally freezes the whole runtime namespace
// object.
func hardenRuntime(rt *goja.Runtime, env map[string]string) ModuleReport {
	var mr ModuleReport

	envObj := rt.NewObject()
	for k, v := range env {
		if err := envObj.Set(k, v); err != nil {
			mr.Failures++
			mr.Details = append(mr.Details, "env."+k+": "+err.Error())
		}
	}

	ns := rt.NewObject()
	dangerous := []string{"exit", "kill", "chdir", "setuid"}
	for _, name := range dangerous {
		captured := name
		stub := func(goja.FunctionCall) goja.Value {
			panic(rt.NewTypeError(captured + " is disabled in this isolate"))
		}
		if err := ns.Set(captured, stub); err != nil {
			mr.Failures++
			mr.Details = append(mr.Details, "runtime."+captured+": "+err.Error())
		}
	}
	if err := ns.Set("env", envObj); err != nil {
		mr.Failures++
		mr.Details = append(mr.Details, "runtime.env: "+err.Error())
	}
	if err := ns.Set("fds", rt.NewArray()); err != nil {
		mr.Failures++
		mr.Details = append(mr.Details, "runtime.fds: "+err.Error())
	}

	if err := rt.GlobalObject().Set("runtime", ns); err != nil {
		mr.Failures++
		mr.Details = append(mr.Details, "globalThis.runtime: "+err.Error())
		return mr
	}
	mr.Operations++

	mr.Operations++
	if _, err := rt.RunString(`Object.freeze(globalThis.runtime.env)`); err != nil {
		mr.Failures++
		mr.Details = append(mr.Details, "runtime.env: "+err.Error())
	}

	freeze := runNamed(rt, freezeBuiltinSnippet, []string{"runtime"})
	mr.Operations += freeze.Operations
	mr.Failures += freeze.Failures
	mr.Details = append(mr.Details, freeze.Details...)
	return mr
}

// Verify re-checks the frozen state of every hardened module without
// re-applying any hardening, reporting observable tampering: writable
// descriptors on names that should be sealed, or a mutable env facade.
func Verify(rt *goja.Runtime) Report {
	var report Report
	report.Builtins = checkFrozen(rt, builtinNames)
	report.Prototypes = checkFrozenPrototypes(rt)
	report.Runtime = checkFrozen(rt, []string{"runtime"})
	report.Runtime.Operations++
	envFrozen, err := rt.RunString(`(function(r){ return !r || !r.env || Object.isFrozen(r.env); })(globalThis.runtime)`)
	if err != nil || !envFrozen.ToBoolean() {
		report.Runtime.Failures++
		report.Runtime.Details = append(report.Runtime.Details, "runtime.env: not frozen")
	}
	report.Globals = checkFrozenGlobals(rt)
	report.tally()
	return report
}

func checkFrozen(rt *goja.Runtime, names []string) ModuleReport {
	var mr ModuleReport
	fnVal, err := rt.RunString(checkFrozenSnippet)
	if err != nil {
		mr.Failures++
		mr.Details = append(mr.Details, err.Error())
		return mr
	}
	fn, _ := goja.AssertFunction(fnVal)
	for _, name := range names {
		mr.Operations++
		res, err := fn(goja.Undefined(), rt.ToValue(name))
		if err != nil {
			mr.Failures++
			mr.Details = append(mr.Details, name+": "+err.Error())
			continue
		}
		if res.String() == "mutable" {
			mr.Failures++
			mr.Details = append(mr.Details, name+": not frozen")
		}
	}
	return mr
}

func checkFrozenPrototypes(rt *goja.Runtime) ModuleReport {
	const snippet = `(function(name){
	  var ctor = globalThis[name];
	  if (typeof ctor === 'undefined') return 'missing';
	  var proto = ctor.prototype;
	  var ok = Object.isFrozen(ctor) && (!proto || Object.isFrozen(proto));
	  return ok ? 'frozen' : 'mutable';
	})`
	fnVal, err := rt.RunString(snippet)
	var mr ModuleReport
	if err != nil {
		mr.Failures++
		mr.Details = append(mr.Details, err.Error())
		return mr
	}
	fn, _ := goja.AssertFunction(fnVal)
	for _, name := range prototypeBearers {
		mr.Operations++
		res, err := fn(goja.Undefined(), rt.ToValue(name))
		if err != nil || res.String() == "mutable" {
			mr.Failures++
			mr.Details = append(mr.Details, name)
		}
	}
	return mr
}

func checkFrozenGlobals(rt *goja.Runtime) ModuleReport {
	const snippet = `(function(name){
	  var d = Object.getOwnPropertyDescriptor(globalThis, name);
	  if (!d) return 'missing';
	  return (d.writable === false && d.configurable === false) ? 'frozen' : 'mutable';
	})`
	fnVal, err := rt.RunString(snippet)
	var mr ModuleReport
	if err != nil {
		mr.Failures++
		mr.Details = append(mr.Details, err.Error())
		return mr
	}
	fn, _ := goja.AssertFunction(fnVal)
	for _, name := range dangerousGlobals {
		mr.Operations++
		res, err := fn(goja.Undefined(), rt.ToValue(name))
		if err != nil || res.String() == "mutable" {
			mr.Failures++
			mr.Details = append(mr.Details, name)
		}
	}
	return mr
}
