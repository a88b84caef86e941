// Package types provides common type definitions for the timeline harvester.
package types

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar date format used for windows (e.g. 2020-02-23)
const DateLayout = "2006-01-02"

// Account is the handle of a feed to monitor (without the leading '@')
type Account string

// NormalizeAccount trims whitespace and a leading '@' from a handle
func NormalizeAccount(handle string) Account {
	return Account(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// String returns the handle
func (a Account) String() string {
	return string(a)
}

// Date is a calendar date in UTC with no time-of-day component
type Date struct {
	t time.Time
}

// NewDate builds a Date from year, month and day
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the UTC calendar date of a timestamp
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

// ParseDate parses a YYYY-MM-DD string
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Before reports whether d is strictly before other
func (d Date) Before(other Date) bool {
	return d.t.Before(other.t)
}

// After reports whether d is strictly after other
func (d Date) After(other Date) bool {
	return d.t.After(other.t)
}

// Equal reports whether d and other are the same calendar date
func (d Date) Equal(other Date) bool {
	return d.t.Equal(other.t)
}

// AddDays returns the date n days later (or earlier for negative n)
func (d Date) AddDays(n int) Date {
	return Date{t: d.t.AddDate(0, 0, n)}
}

// IsZero reports whether the date is unset
func (d Date) IsZero() bool {
	return d.t.IsZero()
}

// Time returns midnight UTC of the date
func (d Date) Time() time.Time {
	return d.t
}

// String formats the date as YYYY-MM-DD
func (d Date) String() string {
	return d.t.Format(DateLayout)
}

// MarshalText implements encoding.TextMarshaler
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ExtractionWindow is the inclusive calendar-date range harvested by one run
type ExtractionWindow struct {
	MinDate Date `json:"minDate"`
	MaxDate Date `json:"maxDate"`
}

// NewExtractionWindow builds a window and checks MinDate <= MaxDate
func NewExtractionWindow(minDate, maxDate Date) (ExtractionWindow, error) {
	w := ExtractionWindow{MinDate: minDate, MaxDate: maxDate}
	if err := w.Validate(); err != nil {
		return ExtractionWindow{}, err
	}
	return w, nil
}

// YesterdayWindow returns the single prior UTC calendar day relative to now
func YesterdayWindow(now time.Time) ExtractionWindow {
	y := DateOf(now).AddDays(-1)
	return ExtractionWindow{MinDate: y, MaxDate: y}
}

// Validate checks the window invariant
func (w ExtractionWindow) Validate() error {
	if w.MinDate.IsZero() || w.MaxDate.IsZero() {
		return fmt.Errorf("window dates must be set")
	}
	if w.MinDate.After(w.MaxDate) {
		return fmt.Errorf("min date %s is after max date %s", w.MinDate, w.MaxDate)
	}
	return nil
}

// Position classifies a timestamp relative to the window
func (w ExtractionWindow) Position(t time.Time) WindowPosition {
	d := DateOf(t)
	switch {
	case d.After(w.MaxDate):
		return PositionAbove
	case d.Before(w.MinDate):
		return PositionBelow
	default:
		return PositionInside
	}
}

// Contains reports whether the timestamp's date lies inside the window
func (w ExtractionWindow) Contains(t time.Time) bool {
	return w.Position(t) == PositionInside
}

// String formats the window as min..max
func (w ExtractionWindow) String() string {
	return w.MinDate.String() + ".." + w.MaxDate.String()
}

// WindowPosition is where a post falls relative to an extraction window
type WindowPosition int

const (
	// PositionAbove means the post is newer than the window
	PositionAbove WindowPosition = iota
	// PositionInside means the post's date is within [min, max]
	PositionInside
	// PositionBelow means the post is older than the window
	PositionBelow
)

// AccountStatus is the outcome of one account's traversal
type AccountStatus string

const (
	// AccountStatusOK means the account was walked to completion
	AccountStatusOK AccountStatus = "ok"
	// AccountStatusSkipped means the account was skipped after a permanent fetch error
	AccountStatusSkipped AccountStatus = "skipped"
	// AccountStatusFailed means transient fetch errors outlasted the retry budget
	AccountStatusFailed AccountStatus = "failed"
)

// RunStatus represents the overall status of a harvest run
type RunStatus string

const (
	// RunStatusRunning represents a run in progress
	RunStatusRunning RunStatus = "running"
	// RunStatusSucceeded represents a run whose stages all completed
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusFailed represents a run halted by a stage failure
	RunStatusFailed RunStatus = "failed"
)

// Stage names a step of the harvest pipeline
type Stage string

const (
	StageWalk         Stage = "walk"
	StageNormalize    Stage = "normalize"
	StageStaging      Stage = "staging"
	StageStagingCheck Stage = "staging_check"
	StageSchemaGuard  Stage = "schema_guard"
	StageMerge        Stage = "merge"
	StageAggregate    Stage = "aggregate"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return e.Message
}
