package models

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON decodes the wire form of PermissionSet (spec.md §3): the
// literal "none", the (forbidden, but accepted here so permission.Normalize
// can downgrade it with a warning) literal "inherit", or an object mapping
// a capability kind name to either a blanket bool or a list of strings.
func (p *PermissionSet) UnmarshalJSON(data []byte) error {
	var literal string
	if err := json.Unmarshal(data, &literal); err == nil {
		switch literal {
		case "none", "":
			p.None = true
			p.Grant = nil
		case "inherit":
			p.Grant = map[CapKind]Grant{"inherit": {}}
		default:
			return fmt.Errorf("permissionset: unrecognized literal %q", literal)
		}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("permissionset: expected \"none\", \"inherit\", or an object: %w", err)
	}

	grants := make(map[CapKind]Grant, len(raw))
	for key, value := range raw {
		var boolVal bool
		if err := json.Unmarshal(value, &boolVal); err == nil {
			grants[CapKind(key)] = Grant{Blanket: true, Allow: boolVal}
			continue
		}
		var list []string
		if err := json.Unmarshal(value, &list); err == nil {
			grants[CapKind(key)] = Grant{List: list}
			continue
		}
		return fmt.Errorf("permissionset: capability %q must be a bool or a list of strings", key)
	}
	p.Grant = grants
	return nil
}

// MarshalJSON encodes PermissionSet back to its wire form.
func (p PermissionSet) MarshalJSON() ([]byte, error) {
	if p.None {
		return json.Marshal("none")
	}
	raw := make(map[string]any, len(p.Grant))
	for k, g := range p.Grant {
		if g.Blanket {
			raw[string(k)] = g.Allow
		} else {
			raw[string(k)] = g.List
		}
	}
	return json.Marshal(raw)
}
