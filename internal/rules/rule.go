// Package rules models calendar rules (day-of-week plus time window) and the
// headless editor used to create or change them.
package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// TimeOfDay is a wall-clock time with minute resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// StartOfDay and EndOfDay bound the default, always-active window.
var (
	StartOfDay = TimeOfDay{Hour: 0, Minute: 0}
	EndOfDay   = TimeOfDay{Hour: 23, Minute: 59}
)

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	h, errH := strconv.Atoi(hh)
	m, errM := strconv.Atoi(mm)
	if errH != nil || errM != nil || len(mm) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q out of range", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// MarshalText implements encoding.TextMarshaler (used by JSON and YAML).
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// CalendarRule activates blocking on the given days between From and To.
type CalendarRule struct {
	ID   int64     `json:"id,omitempty" yaml:"-"`
	Name string    `json:"name" yaml:"name"`
	Days DaySet    `json:"days" yaml:"days"`
	From TimeOfDay `json:"from" yaml:"from"`
	To   TimeOfDay `json:"to" yaml:"to"`
}

// NewCalendarRule returns the default rule: every day, the whole day, no name.
func NewCalendarRule() CalendarRule {
	return CalendarRule{
		Days: AllDays,
		From: StartOfDay,
		To:   EndOfDay,
	}
}

// Equal compares the user-visible content of two rules, ignoring ID.
func (r CalendarRule) Equal(o CalendarRule) bool {
	return r.Name == o.Name && r.Days == o.Days && r.From == o.From && r.To == o.To
}

func (r CalendarRule) String() string {
	return fmt.Sprintf("%s [%s %s-%s]", r.Name, r.Days, r.From, r.To)
}
