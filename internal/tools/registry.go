package tools

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/isorun/isorun/internal/models"
	"github.com/isorun/isorun/internal/scope"
)

var componentLog = log.With().Str("component", "tools").Logger()

// Registry holds the built-in tool definitions by name.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry pre-populated with the built-in tools:
// crypto, channel, db.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.Register(CryptoTool())
	r.Register(ChannelTool())
	r.Register(DBTool())
	return r
}

// Register adds or replaces a tool definition, allowing tests or
// deployments to extend the registry at runtime.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name] = t
}

// Extract parses a request's ToolSpec list into an ordered, deduplicated
// list of Resolved tools: unknown names are dropped, and when the same
// tool name appears more than once the LAST occurrence's config wins
// (spec.md §9 Open Question #2), while install order follows first
// appearance.
func (r *Registry) Extract(specs []models.ToolSpec) []Resolved {
	order := make([]string, 0, len(specs))
	configs := make(map[string]any, len(specs))
	seen := make(map[string]bool, len(specs))

	for _, spec := range specs {
		if _, known := r.tools[spec.Name]; !known {
			continue
		}
		if !seen[spec.Name] {
			seen[spec.Name] = true
			order = append(order, spec.Name)
		}
		configs[spec.Name] = spec.Config // later write wins: last-wins precedence
	}

	out := make([]Resolved, 0, len(order))
	for _, name := range order {
		out = append(out, Resolved{Tool: r.tools[name], Config: configs[name]})
	}
	return out
}

// Install calls Setup on each resolved tool in order. If any Setup call
// fails, every successful tool's Teardown is invoked best-effort (errors
// swallowed) before the original error is returned.
func Install(s *scope.Scope, internal *Internal, resolved []Resolved) error {
	installed := make([]Resolved, 0, len(resolved))
	for _, r := range resolved {
		if err := r.Tool.Setup(s, internal, r.Config); err != nil {
			for i := len(installed) - 1; i >= 0; i-- {
				if tdErr := installed[i].Tool.Teardown(s, internal); tdErr != nil {
					componentLog.Warn().Str("tool", installed[i].Tool.Name).Err(tdErr).Msg("rollback teardown failed")
				}
			}
			return fmt.Errorf("tools: setup %q: %w", r.Tool.Name, err)
		}
		installed = append(installed, r)
	}
	return nil
}

// Teardown runs every resolved tool's Teardown in installation order,
// swallowing errors into a log entry rather than propagating them (spec.md
// §4.3: "swallowing errors into a log entry").
func Teardown(s *scope.Scope, internal *Internal, resolved []Resolved) []models.LogEntry {
	var logs []models.LogEntry
	for _, r := range resolved {
		if err := r.Tool.Teardown(s, internal); err != nil {
			logs = append(logs, models.LogEntry{
				Level:   models.LogLevelWarn,
				Message: fmt.Sprintf("tool %q teardown failed: %v", r.Tool.Name, err),
				Name:    "ToolTeardownError",
			})
		}
	}
	return logs
}

// Names returns every registered tool name, for permission-resolution and
// diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}
