// Package scope implements the per-isolate scope manager from spec.md §4.2:
// inject values into an isolate's global scope with defined-property
// semantics, and track them so reset() can remove exactly what was
// injected. Grounded on the teacher's ai/tools provider-registration style
// (explicit register/clear rather than reflection-driven discovery), here
// made explicit because the design notes (spec.md §9) call for "each
// isolate owning its own Scope value passed explicitly to tools' setup/
// teardown" instead of mutating a process-wide global.
package scope

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// reservedKeys can never be injected: they would let user code escape the
// hardened prototype chain.
var reservedKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// Scope wraps a goja.Runtime's global object and tracks every key this
// package has injected into it, so a later Reset can remove precisely
// those keys and nothing else.
type Scope struct {
	rt       *goja.Runtime
	injected map[string]struct{}
}

// New wraps rt in a Scope with no keys injected yet.
func New(rt *goja.Runtime) *Scope {
	return &Scope{rt: rt, injected: make(map[string]struct{})}
}

// Runtime returns the underlying goja runtime, for callers (tools) that
// need to build values to inject.
func (s *Scope) Runtime() *goja.Runtime {
	return s.rt
}

// Inject defines a non-writable, non-configurable global property named
// key with the given value. Reserved keys and keys containing "." are
// rejected. Injection is idempotent for keys this scope already tracks:
// re-injecting a tracked key is a no-op (matching re-entrant tool setup
// during pooled-worker reuse). A key this scope does not track whose
// global property already exists as non-configurable is an error, not a
// no-op.
func (s *Scope) Inject(key string, value any) error {
	if _, bad := reservedKeys[key]; bad {
		return fmt.Errorf("scope: %q is a reserved key", key)
	}
	if strings.Contains(key, ".") {
		return fmt.Errorf("scope: key %q must not contain '.'", key)
	}

	global := s.rt.GlobalObject()
	err := global.DefineDataProperty(key, s.rt.ToValue(value), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	if err != nil {
		// A property already installed and locked down as non-configurable
		// makes DefineDataProperty fail; per spec.md §4.2 that is a no-op,
		// not an error, as long as the key is one we already track.
		if _, already := s.injected[key]; already {
			return nil
		}
		return fmt.Errorf("scope: inject %q: %w", key, err)
	}
	s.injected[key] = struct{}{}
	return nil
}

// Keys returns every key currently tracked as injected, in no particular
// order.
func (s *Scope) Keys() []string {
	keys := make([]string, 0, len(s.injected))
	for k := range s.injected {
		keys = append(keys, k)
	}
	return keys
}

// Reset removes every previously injected key not present in keep. keep
// may be nil, meaning "remove everything this scope has injected".
func (s *Scope) Reset(keep map[string]struct{}) {
	global := s.rt.GlobalObject()
	for key := range s.injected {
		if keep != nil {
			if _, ok := keep[key]; ok {
				continue
			}
		}
		_ = global.Delete(key)
		delete(s.injected, key)
	}
}

// ForceDelete removes a single key regardless of tracking state, used by
// the tool registry's best-effort rollback when tool install fails
// mid-way (spec.md §4.3).
func (s *Scope) ForceDelete(key string) {
	s.rt.GlobalObject().Delete(key)
	delete(s.injected, key)
}
