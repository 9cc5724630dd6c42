// Package permission implements the capability-set algebra from spec.md
// §4.4: normalize, merge, detect, validate, resolve. Matcher style follows
// internal/agentexec/policy.go's compiled-pattern allow lists; the env
// whitelist globs reuse github.com/IGLOU-EU/go-wildcard/v2,
// the same glob library the teacher depends on directly.
package permission

import (
	"context"
	"fmt"
	"sort"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"

	"github.com/isorun/isorun/internal/models"
)

var componentLog = log.With().Str("component", "permission").Logger()

// Normalize maps a nullish permission set, or the literal "inherit", to
// NONE. "inherit" is forbidden per spec.md §3 and is downgraded with a
// warning rather than propagated.
func Normalize(p *models.PermissionSet) *models.PermissionSet {
	if p == nil {
		return models.NonePermissions()
	}
	if p.None {
		return models.NonePermissions()
	}
	if _, ok := p.Grant["inherit"]; ok {
		componentLog.Warn().Msg(`permission literal "inherit" is forbidden; downgrading to NONE`)
		return models.NonePermissions()
	}
	out := &models.PermissionSet{Grant: make(map[models.CapKind]models.Grant, len(p.Grant))}
	for k, v := range p.Grant {
		out.Grant[k] = v
	}
	return out
}

// Merge combines two permission sets. NONE is the identity element. For
// object forms, grants are unioned per capability kind: list values are
// deduplicated, and a blanket `true` absorbs any list (grants never shrink).
func Merge(a, b *models.PermissionSet) *models.PermissionSet {
	a = Normalize(a)
	b = Normalize(b)
	if a.None {
		return b
	}
	if b.None {
		return a
	}
	out := &models.PermissionSet{Grant: make(map[models.CapKind]models.Grant)}
	for _, kind := range models.AllCapKinds {
		ga, hasA := a.Grant[kind]
		gb, hasB := b.Grant[kind]
		if !hasA && !hasB {
			continue
		}
		out.Grant[kind] = mergeGrant(ga, hasA, gb, hasB)
	}
	return out
}

func mergeGrant(a models.Grant, hasA bool, b models.Grant, hasB bool) models.Grant {
	if !hasA {
		return b
	}
	if !hasB {
		return a
	}
	if a.BlanketAllow() || b.BlanketAllow() {
		return models.Grant{Blanket: true, Allow: true}
	}
	if a.Blanket && !a.Allow && b.Blanket && !b.Allow {
		return models.Grant{Blanket: true, Allow: false}
	}
	// At least one side is list-valued (or a deny-blanket merging with a
	// list, which yields the list — grants never shrink).
	seen := make(map[string]struct{})
	var merged []string
	add := func(list []string) {
		for _, v := range list {
			if _, ok := seen[v]; !ok {
				seen[v] = struct{}{}
				merged = append(merged, v)
			}
		}
	}
	if !a.Blanket {
		add(a.List)
	}
	if !b.Blanket {
		add(b.List)
	}
	sort.Strings(merged)
	return models.Grant{List: merged}
}

// Detection reports strict-validation flags for a permission set.
type Detection struct {
	Wild  bool     // a net host list contains "*", or net/run/ffi is blanket-true
	Hosts []string // net hosts declared across the set
	Local bool      // a net grant includes localhost/127.0.0.1/::1
}

// Detect inspects a permission set for wildcard grants, the full host
// list, and local-host grants, used by Validate to decide what to warn on.
func Detect(p *models.PermissionSet) Detection {
	p = Normalize(p)
	var d Detection
	if p.None {
		return d
	}
	for kind, g := range p.Grant {
		if g.BlanketAllow() && (kind == models.CapNet || kind == models.CapRun || kind == models.CapFFI) {
			d.Wild = true
		}
		if kind == models.CapNet && !g.Blanket {
			d.Hosts = append(d.Hosts, g.List...)
			for _, h := range g.List {
				if h == "*" {
					d.Wild = true
				}
				if isLocalHost(h) {
					d.Local = true
				}
			}
		}
	}
	sort.Strings(d.Hosts)
	return d
}

func isLocalHost(h string) bool {
	switch h {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return true
	default:
		return false
	}
}

// maxReasonableHosts is the threshold above which Validate warns about an
// excessive host count, mirroring policy.go's "these lists should stay
// reviewable" posture rather than enforcing a hard cap.
const maxReasonableHosts = 25

// Validate logs warnings (never errors) for wildcard grants, excessive host
// counts, or local-host grants, when strict is true. Non-strict mode is a
// no-op: spec.md §4.13 says the permission plugin "never throws".
func Validate(p *models.PermissionSet, strict bool) {
	if !strict {
		return
	}
	d := Detect(p)
	if d.Wild {
		componentLog.Warn().Msg("permission set grants a wildcard capability")
	}
	if len(d.Hosts) > maxReasonableHosts {
		componentLog.Warn().Int("hosts", len(d.Hosts)).Msg("permission set declares an unusually large net host list")
	}
	if d.Local {
		componentLog.Warn().Msg("permission set grants access to a local/loopback host")
	}
}

// resolver caches DNS lookups for declared net hosts the way a long-lived
// pool would, using the teacher's direct dependency github.com/rs/dnscache.
var resolver = &dnscache.Resolver{}

// ValidateNetHosts resolves (and caches) every host the net capability
// declares, surfacing unresolvable hosts as validation warnings. Best
// effort only — a resolution failure does not block the request.
func ValidateNetHosts(ctx context.Context, p *models.PermissionSet) {
	d := Detect(p)
	for _, h := range d.Hosts {
		if h == "*" || isLocalHost(h) {
			continue
		}
		if _, err := resolver.LookupHost(ctx, h); err != nil {
			componentLog.Warn().Str("host", h).Err(err).Msg("net capability host did not resolve")
		}
	}
}

// Resolve materializes env grants into an injectable {var: value} map,
// filtered through a glob whitelist. A whitelist entry ending in "*"
// matches by prefix (handled by wildcard.Match); anything else must match
// exactly.
func Resolve(p *models.PermissionSet, whitelist []string, lookup func(string) (string, bool)) map[string]string {
	p = Normalize(p)
	out := map[string]string{}
	if p.None {
		return out
	}
	g, ok := p.Grant[models.CapEnv]
	if !ok || g.IsEmpty() {
		return out
	}
	names := g.List
	if g.BlanketAllow() {
		// Blanket env access still only resolves whitelisted names: the
		// blanket grant widens what the *request* may ask for, the
		// whitelist still bounds what the *host* will hand over.
		names = whitelist
	}
	for _, name := range names {
		if !matchesWhitelist(name, whitelist) {
			continue
		}
		if v, ok := lookup(name); ok {
			out[name] = v
		}
	}
	return out
}

func matchesWhitelist(name string, whitelist []string) bool {
	for _, pattern := range whitelist {
		if wildcard.Match(pattern, name) {
			return true
		}
	}
	return false
}

// EnvLookup is the lookup signature Resolve takes; os.LookupEnv satisfies
// it, and tests can pass a map-backed function instead.
type EnvLookup func(string) (string, bool)

// ValidationError is returned when a permission literal is structurally
// invalid beyond what Normalize can silently fix (currently unused by
// Normalize itself, which always succeeds, but kept for callers that want
// to reject rather than downgrade).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid permission set: %s", e.Reason)
}
