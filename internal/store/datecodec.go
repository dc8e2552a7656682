package store

import (
	"fmt"
	"time"
)

const (
	// DateLayout is the single layout used for every stored timestamp.
	DateLayout = "2006-01-02 15:04:05"

	// RunningMarker is written to service_runs.stop while a run is in progress.
	RunningMarker = "running"
)

// DecodeError reports a stored value that could not be decoded. It is always
// recoverable: the affected field is left empty and the row is still returned.
type DecodeError struct {
	Table  string
	Column string
	Value  string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s.%s %q: %v", e.Table, e.Column, e.Value, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DateCodec converts timestamps to and from DateLayout in a fixed location.
type DateCodec struct {
	loc *time.Location
}

// NewDateCodec returns a codec for loc (time.Local when nil).
func NewDateCodec(loc *time.Location) DateCodec {
	if loc == nil {
		loc = time.Local
	}
	return DateCodec{loc: loc}
}

// Location returns the codec's zone.
func (c DateCodec) Location() *time.Location { return c.loc }

// Format renders t in the codec's zone. Sub-second precision is dropped.
func (c DateCodec) Format(t time.Time) string {
	return t.In(c.loc).Format(DateLayout)
}

// Parse reads a DateLayout string in the codec's zone.
func (c DateCodec) Parse(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, c.loc)
}
