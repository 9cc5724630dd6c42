package models

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON decodes the wire form of ToolSpec (spec.md §4.3): either a
// bare string name, or a [name, config] pair.
func (t *ToolSpec) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		t.Name = name
		t.Config = nil
		return nil
	}

	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("toolspec: expected a string or a [name, config] pair: %w", err)
	}
	if len(pair) == 0 || len(pair) > 2 {
		return fmt.Errorf("toolspec: [name, config] pair must have 1 or 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &t.Name); err != nil {
		return fmt.Errorf("toolspec: name must be a string: %w", err)
	}
	if len(pair) == 2 {
		var cfg any
		if err := json.Unmarshal(pair[1], &cfg); err != nil {
			return fmt.Errorf("toolspec: invalid config: %w", err)
		}
		t.Config = cfg
	}
	return nil
}

// MarshalJSON encodes ToolSpec back to its wire form: a bare name when
// there is no config, otherwise a [name, config] pair.
func (t ToolSpec) MarshalJSON() ([]byte, error) {
	if t.Config == nil {
		return json.Marshal(t.Name)
	}
	return json.Marshal([2]any{t.Name, t.Config})
}
