package series

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidFrequency     = errors.New("invalid frequency")
	ErrInvalidInterval      = errors.New("interval must be positive")
	ErrUntilAndCount        = errors.New("until and count are mutually exclusive")
	ErrInvalidCount         = errors.New("count must be positive")
	ErrInvalidWeekday       = errors.New("invalid weekday code")
	ErrInvalidMonthDay      = errors.New("month day out of range")
	ErrInvalidSetPosition   = errors.New("set position out of range")
	ErrSetPositionNoWeekday = errors.New("set position requires byWeekday")
	ErrEndBeforeStart       = errors.New("end before start")
	ErrUntilBeforeStart     = errors.New("until before start")
	ErrMissingStart         = errors.New("start is required")
	ErrMissingCalendar      = errors.New("calendar id is required")
	ErrInvalidOccurrenceID  = errors.New("invalid occurrence id")
)

// Validate checks the rule grammar. The generator tolerates invalid rules;
// callers persisting a rule must validate it first.
func (r *Rule) Validate() error {
	if r == nil {
		return nil
	}
	var errs []error
	if !r.Freq.Valid() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidFrequency, r.Freq))
	}
	if r.Interval < 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidInterval, r.Interval))
	}
	if r.Until.IsPresent() && r.Count.IsPresent() {
		errs = append(errs, ErrUntilAndCount)
	}
	if n, ok := r.Count.Get(); ok && n <= 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidCount, n))
	}
	for _, wd := range r.ByWeekday {
		if _, ok := wd.Time(); !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidWeekday, wd))
		}
	}
	if r.ByMonthDay < -31 || r.ByMonthDay > 31 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidMonthDay, r.ByMonthDay))
	}
	if r.BySetPosition < -5 || r.BySetPosition > 5 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidSetPosition, r.BySetPosition))
	}
	if r.BySetPosition != 0 && len(r.ByWeekday) == 0 {
		errs = append(errs, ErrSetPositionNoWeekday)
	}
	return errors.Join(errs...)
}

// Validate checks a series before it is persisted.
func (s *Series) Validate() error {
	var errs []error
	if s.CalendarID == "" {
		errs = append(errs, ErrMissingCalendar)
	}
	if s.Start.Time.IsZero() {
		errs = append(errs, ErrMissingStart)
	}
	if s.End.Time.Before(s.Start.Time) {
		errs = append(errs, ErrEndBeforeStart)
	}
	if s.Rule != nil {
		if err := s.Rule.Validate(); err != nil {
			errs = append(errs, err)
		}
		if until, ok := s.Rule.Until.Get(); ok && Floating(until).Before(s.Start.Time) {
			errs = append(errs, ErrUntilBeforeStart)
		}
	}
	for k := range s.Exclusions {
		if _, err := ParseKey(k); err != nil {
			errs = append(errs, err)
		}
	}
	for k := range s.Overrides {
		if _, err := ParseKey(k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
