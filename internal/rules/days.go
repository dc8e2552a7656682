package rules

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DaySet is a set of weekdays stored as a 7-bit mask (bit n = time.Weekday(n)).
type DaySet uint8

const (
	// NoDays is the empty set.
	NoDays DaySet = 0
	// AllDays contains every day of the week.
	AllDays DaySet = 1<<7 - 1
	// WorkingDays is Monday through Friday.
	WorkingDays DaySet = 1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday | 1<<time.Thursday | 1<<time.Friday
	// Weekend is Saturday and Sunday.
	Weekend DaySet = 1<<time.Saturday | 1<<time.Sunday
)

var dayNames = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// DaysOf builds a set from individual weekdays.
func DaysOf(days ...time.Weekday) DaySet {
	var s DaySet
	for _, d := range days {
		s = s.With(d)
	}
	return s
}

// Has reports whether d is in the set.
func (s DaySet) Has(d time.Weekday) bool {
	return s&(1<<uint(d)) != 0
}

// With returns the set with d added.
func (s DaySet) With(d time.Weekday) DaySet {
	return s | 1<<uint(d)
}

// Union returns the union of both sets.
func (s DaySet) Union(o DaySet) DaySet {
	return (s | o) & AllDays
}

// Days lists the members in week order, Monday first.
func (s DaySet) Days() []time.Weekday {
	var out []time.Weekday
	for i := 1; i <= 7; i++ {
		d := time.Weekday(i % 7)
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

// Names returns the three-letter lowercase names of the members.
func (s DaySet) Names() []string {
	days := s.Days()
	names := make([]string, len(days))
	for i, d := range days {
		names[i] = dayNames[d]
	}
	return names
}

func (s DaySet) String() string {
	switch s & AllDays {
	case AllDays:
		return "all"
	case NoDays:
		return "none"
	}
	return strings.Join(s.Names(), ",")
}

// ParseDay accepts a three-letter abbreviation or full English day name.
func ParseDay(name string) (time.Weekday, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if len(n) >= 3 {
		for i, dn := range dayNames {
			if n[:3] == dn {
				return time.Weekday(i), nil
			}
		}
	}
	return 0, fmt.Errorf("unknown day of week %q", name)
}

// ParseDays builds a set from day names. "all", "none", "weekdays" and
// "weekend" are accepted as shortcuts.
func ParseDays(names []string) (DaySet, error) {
	var s DaySet
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "all":
			s = s.Union(AllDays)
		case "none":
		case "weekdays", "working":
			s = s.Union(WorkingDays)
		case "weekend":
			s = s.Union(Weekend)
		default:
			d, err := ParseDay(n)
			if err != nil {
				return 0, err
			}
			s = s.With(d)
		}
	}
	return s, nil
}

// MarshalJSON encodes the set as a list of day names.
func (s DaySet) MarshalJSON() ([]byte, error) {
	names := s.Names()
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

// UnmarshalJSON decodes a list of day names.
func (s *DaySet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseDays(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML encodes the set as a list of day names.
func (s DaySet) MarshalYAML() (interface{}, error) {
	names := s.Names()
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// UnmarshalYAML accepts either a list of names or a single shortcut scalar.
func (s *DaySet) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	if value.Kind == yaml.ScalarNode {
		names = []string{value.Value}
	} else if err := value.Decode(&names); err != nil {
		return err
	}
	parsed, err := ParseDays(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
