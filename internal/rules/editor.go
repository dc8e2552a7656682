package rules

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Action tells the editor whether it is creating a new rule or changing one.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

var (
	// ErrEmptyName is returned when the draft has no name.
	ErrEmptyName = errors.New("rule name can not be empty")
	// ErrDuplicateName is returned when the name is already used by another rule.
	ErrDuplicateName = errors.New("rule name already used")
)

// ParseAction maps a discriminator string to an Action. Anything other than
// "update" is treated as a create, matching how callers omit the key.
func ParseAction(s string) Action {
	if strings.EqualFold(strings.TrimSpace(s), string(ActionUpdate)) {
		return ActionUpdate
	}
	return ActionCreate
}

// Editor holds a rule draft plus the context needed to decide whether it can
// be saved. It is not safe for concurrent use.
type Editor struct {
	action   Action
	draft    CalendarRule
	original CalendarRule
	names    []string
}

// NewEditor starts an edit session. For ActionUpdate the supplied rule seeds the
// draft; for ActionCreate (or a nil rule) the default always-active rule does.
// names lists the rule names already taken; callers editing an existing rule
// should leave that rule's own name out.
func NewEditor(action Action, rule *CalendarRule, names []string) *Editor {
	e := &Editor{
		action: action,
		names:  slices.Clone(names),
	}
	if action == ActionUpdate && rule != nil {
		e.draft = *rule
		e.original = *rule
	} else {
		e.action = ActionCreate
		e.draft = NewCalendarRule()
		e.original = NewCalendarRule()
	}
	return e
}

// Action returns the edit mode.
func (e *Editor) Action() Action { return e.action }

// Draft returns the rule being edited.
func (e *Editor) Draft() CalendarRule { return e.draft }

// SetName replaces the draft name (surrounding space is trimmed).
func (e *Editor) SetName(name string) {
	e.draft.Name = strings.TrimSpace(name)
}

// SetFrom sets the window start.
func (e *Editor) SetFrom(t TimeOfDay) { e.draft.From = t }

// SetTo sets the window end.
func (e *Editor) SetTo(t TimeOfDay) { e.draft.To = t }

// SetDays replaces the day mask.
func (e *Editor) SetDays(d DaySet) { e.draft.Days = d & AllDays }

// AllDays selects every day.
func (e *Editor) AllDays() { e.draft.Days = AllDays }

// NoDays clears the selection.
func (e *Editor) NoDays() { e.draft.Days = NoDays }

// WorkingDays adds Monday to Friday to the current selection.
func (e *Editor) WorkingDays() { e.draft.Days = e.draft.Days.Union(WorkingDays) }

// Weekend adds Saturday and Sunday to the current selection.
func (e *Editor) Weekend() { e.draft.Days = e.draft.Days.Union(Weekend) }

// Validate reports why the draft can not be saved, or nil.
func (e *Editor) Validate() error {
	if e.draft.Name == "" {
		return ErrEmptyName
	}
	if slices.Contains(e.names, e.draft.Name) {
		return fmt.Errorf("%w: %q", ErrDuplicateName, e.draft.Name)
	}
	return nil
}

// CanSave is the save gate.
func (e *Editor) CanSave() bool {
	return e.Validate() == nil
}

// Changed reports whether the draft differs from what the session started with.
func (e *Editor) Changed() bool {
	return !e.draft.Equal(e.original)
}

// Result validates and returns the edited rule.
func (e *Editor) Result() (CalendarRule, error) {
	if err := e.Validate(); err != nil {
		return CalendarRule{}, err
	}
	return e.draft, nil
}
