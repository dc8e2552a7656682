package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// document is the on-disk layout of a rules file.
type document struct {
	Rules []CalendarRule `yaml:"calendar_rules"`
}

// LoadFile reads calendar rules from a YAML file. Names must be non-empty and
// unique within the file.
func LoadFile(path string) ([]CalendarRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML rules document. Rules without a days or to field get
// the always-active defaults.
func Parse(data []byte) ([]CalendarRule, error) {
	var raw struct {
		Rules []yaml.Node `yaml:"calendar_rules"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}

	out := make([]CalendarRule, 0, len(raw.Rules))
	var names []string
	for i := range raw.Rules {
		r := NewCalendarRule()
		if err := raw.Rules[i].Decode(&r); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		ed := NewEditor(ActionCreate, nil, names)
		ed.SetName(r.Name)
		ed.SetDays(r.Days)
		ed.SetFrom(r.From)
		ed.SetTo(r.To)
		valid, err := ed.Result()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		names = append(names, valid.Name)
		out = append(out, valid)
	}
	return out, nil
}

// WriteFile stores rules as YAML.
func WriteFile(path string, rules []CalendarRule) error {
	data, err := yaml.Marshal(document{Rules: rules})
	if err != nil {
		return fmt.Errorf("marshaling rules: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating rules directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing rules file: %w", err)
	}
	return nil
}
