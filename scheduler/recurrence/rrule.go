package recurrence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/mo"
	"github.com/teambition/rrule-go"

	"github.com/fieldsvc/schedule/scheduler/series"
)

// ErrUnsupportedRule is returned for RRULE features outside the supported grammar.
var ErrUnsupportedRule = errors.New("unsupported recurrence rule")

var toRRuleFreq = map[series.Frequency]rrule.Frequency{
	series.Daily:   rrule.DAILY,
	series.Weekly:  rrule.WEEKLY,
	series.Monthly: rrule.MONTHLY,
	series.Yearly:  rrule.YEARLY,
}

var toRRuleDay = map[series.Weekday]rrule.Weekday{
	series.Monday:    rrule.MO,
	series.Tuesday:   rrule.TU,
	series.Wednesday: rrule.WE,
	series.Thursday:  rrule.TH,
	series.Friday:    rrule.FR,
	series.Saturday:  rrule.SA,
	series.Sunday:    rrule.SU,
}

// dayCodes is indexed by rrule.Weekday.Day() (0 = Monday).
var dayCodes = []series.Weekday{
	series.Monday, series.Tuesday, series.Wednesday, series.Thursday,
	series.Friday, series.Saturday, series.Sunday,
}

// FormatRRule renders r as an RFC 5545 RRULE value (without the "RRULE:" prefix).
func FormatRRule(r *series.Rule) (string, error) {
	if r == nil {
		return "", nil
	}
	if err := r.Validate(); err != nil {
		return "", err
	}

	opt := rrule.ROption{Freq: toRRuleFreq[r.Freq]}
	if r.Step() > 1 {
		opt.Interval = r.Step()
	}
	for _, wd := range r.ByWeekday {
		opt.Byweekday = append(opt.Byweekday, toRRuleDay[wd])
	}
	if r.ByMonthDay != 0 {
		opt.Bymonthday = []int{r.ByMonthDay}
	}
	if r.BySetPosition != 0 {
		opt.Bysetpos = []int{r.BySetPosition}
	}
	if until, ok := r.Until.Get(); ok {
		opt.Until = series.Floating(until)
	}
	if n, ok := r.Count.Get(); ok {
		opt.Count = n
	}

	return opt.RRuleString(), nil
}

// ParseRRule parses an RRULE value into a Rule. Ordinal weekdays such as
// "2TU" map to BySetPosition; only a single ordinal is supported.
func ParseRRule(value string) (*series.Rule, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "RRULE:")
	opt, err := rrule.StrToROption(value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RRULE '%s': %w", value, err)
	}

	r := &series.Rule{Interval: opt.Interval}
	switch opt.Freq {
	case rrule.DAILY:
		r.Freq = series.Daily
	case rrule.WEEKLY:
		r.Freq = series.Weekly
	case rrule.MONTHLY:
		r.Freq = series.Monthly
	case rrule.YEARLY:
		r.Freq = series.Yearly
	default:
		return nil, fmt.Errorf("%w: frequency %v", ErrUnsupportedRule, opt.Freq)
	}
	if r.Interval == 1 {
		r.Interval = 0
	}

	for _, wd := range opt.Byweekday {
		if n := wd.N(); n != 0 {
			if r.BySetPosition != 0 && r.BySetPosition != n {
				return nil, fmt.Errorf("%w: mixed weekday ordinals", ErrUnsupportedRule)
			}
			r.BySetPosition = n
		}
		r.ByWeekday = append(r.ByWeekday, dayCodes[wd.Day()])
	}

	switch len(opt.Bymonthday) {
	case 0:
	case 1:
		r.ByMonthDay = opt.Bymonthday[0]
	default:
		return nil, fmt.Errorf("%w: multiple BYMONTHDAY values", ErrUnsupportedRule)
	}

	switch len(opt.Bysetpos) {
	case 0:
	case 1:
		r.BySetPosition = opt.Bysetpos[0]
	default:
		return nil, fmt.Errorf("%w: multiple BYSETPOS values", ErrUnsupportedRule)
	}

	if len(opt.Bymonth) > 0 || len(opt.Byyearday) > 0 || len(opt.Byweekno) > 0 ||
		len(opt.Byhour) > 0 || len(opt.Byminute) > 0 || len(opt.Bysecond) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRule, value)
	}

	if !opt.Until.IsZero() {
		r.Until = mo.Some(series.Floating(opt.Until))
	}
	if opt.Count > 0 {
		r.Count = mo.Some(opt.Count)
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
