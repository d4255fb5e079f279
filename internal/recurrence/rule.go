package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Frequency is the closed set of recurrence periods a series may use.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// Weekday uses the two-letter iCalendar day codes.
type Weekday string

const (
	Monday    Weekday = "MO"
	Tuesday   Weekday = "TU"
	Wednesday Weekday = "WE"
	Thursday  Weekday = "TH"
	Friday    Weekday = "FR"
	Saturday  Weekday = "SA"
	Sunday    Weekday = "SU"
)

var weekdayOrder = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

// Rule describes when the occurrences of a series happen.
//
// A nil Interval means 1; a nil Count and an empty Until leave the rule
// open-ended. Present Interval and Count values must be positive. Count and
// Until are mutually exclusive.
type Rule struct {
	Frequency  Frequency `json:"frequency" yaml:"frequency"`
	Interval   *int      `json:"interval,omitempty" yaml:"interval,omitempty"`
	Count      *int      `json:"count,omitempty" yaml:"count,omitempty"`
	Until      string    `json:"until,omitempty" yaml:"until,omitempty"`
	ByWeekday  []Weekday `json:"byweekday,omitempty" yaml:"byweekday,omitempty"`
	ByMonth    []int     `json:"bymonth,omitempty" yaml:"bymonth,omitempty"`
	ByMonthDay []int     `json:"bymonthday,omitempty" yaml:"bymonthday,omitempty"`
}

// ErrInvalidRule is wrapped by every rule, zone or exception validation failure.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// ValidationError reports the offending field of a rejected rule.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s: %s", ErrInvalidRule, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s=%q: %s", ErrInvalidRule, e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRule
}

func invalid(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// Validate rejects malformed rules. It never rewrites the rule.
func Validate(rule Rule) error {
	switch rule.Frequency {
	case Daily, Weekly, Monthly, Yearly:
	case "":
		return invalid("frequency", "", "is required")
	default:
		return invalid("frequency", string(rule.Frequency), "must be one of DAILY, WEEKLY, MONTHLY, YEARLY")
	}
	if rule.Interval != nil && *rule.Interval < 1 {
		return invalid("interval", fmt.Sprint(*rule.Interval), "must be a positive integer")
	}
	if rule.Count != nil && *rule.Count < 1 {
		return invalid("count", fmt.Sprint(*rule.Count), "must be a positive integer")
	}
	if rule.Count != nil && rule.Until != "" {
		return invalid("count", fmt.Sprint(*rule.Count), "count and until cannot both be set")
	}
	if rule.Until != "" {
		if _, err := parseUntil(rule.Until, time.UTC); err != nil {
			return invalid("until", rule.Until, "must be a YYYY-MM-DD date or an RFC3339 timestamp")
		}
	}
	for _, wd := range rule.ByWeekday {
		if _, ok := weekdayIndex(wd); !ok {
			return invalid("byweekday", string(wd), "must be one of MO, TU, WE, TH, FR, SA, SU")
		}
	}
	for _, m := range rule.ByMonth {
		if m < 1 || m > 12 {
			return invalid("bymonth", fmt.Sprint(m), "must be between 1 and 12")
		}
	}
	for _, d := range rule.ByMonthDay {
		if d < 1 || d > 31 {
			return invalid("bymonthday", fmt.Sprint(d), "must be between 1 and 31")
		}
	}
	return nil
}

func (r Rule) interval() int {
	if r.Interval == nil {
		return 1
	}
	return *r.Interval
}

// count is 0 for an open-ended rule.
func (r Rule) count() int {
	if r.Count == nil {
		return 0
	}
	return *r.Count
}

// parseUntil accepts a civil date, which bounds the rule at the end of that
// day in loc, or an absolute RFC3339 instant.
func parseUntil(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if d, err := time.ParseInLocation(time.DateOnly, value, loc); err == nil {
		return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, loc), nil
	}
	return time.Parse(time.RFC3339, value)
}

func weekdayIndex(wd Weekday) (int, bool) {
	for i, w := range weekdayOrder {
		if strings.EqualFold(string(wd), string(w)) {
			return i, true
		}
	}
	return 0, false
}

// weekdayOf maps a Go weekday to the Monday-first index rrule-go uses.
func weekdayOf(d time.Weekday) int {
	return (int(d) + 6) % 7
}

var rruleWeekdays = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

var rruleFrequencies = map[Frequency]rrule.Frequency{
	Daily:   rrule.DAILY,
	Weekly:  rrule.WEEKLY,
	Monthly: rrule.MONTHLY,
	Yearly:  rrule.YEARLY,
}

// ToROption converts a validated rule into rrule-go options anchored at
// dtstart. The anchor's location is the zone the pattern is evaluated in.
func ToROption(rule Rule, dtstart time.Time) (rrule.ROption, error) {
	if err := Validate(rule); err != nil {
		return rrule.ROption{}, err
	}
	opt := rrule.ROption{
		Freq:       rruleFrequencies[rule.Frequency],
		Dtstart:    dtstart,
		Interval:   rule.interval(),
		Wkst:       rrule.MO,
		Count:      rule.count(),
		Bymonth:    append([]int(nil), rule.ByMonth...),
		Bymonthday: append([]int(nil), rule.ByMonthDay...),
	}
	if rule.Until != "" {
		until, err := parseUntil(rule.Until, dtstart.Location())
		if err != nil {
			return rrule.ROption{}, invalid("until", rule.Until, err.Error())
		}
		opt.Until = until
	}
	for _, wd := range rule.ByWeekday {
		idx, _ := weekdayIndex(wd)
		opt.Byweekday = append(opt.Byweekday, rruleWeekdays[idx])
	}
	return opt, nil
}

// FromROption converts parsed rrule-go options (for example from an RRULE
// line) into a Rule. Parts of RFC 5545 the engine does not model, such as
// BYSETPOS or ordinal weekdays, are rejected rather than dropped.
func FromROption(opt rrule.ROption) (Rule, error) {
	var rule Rule
	found := false
	for f, rf := range rruleFrequencies {
		if rf == opt.Freq {
			rule.Frequency = f
			found = true
			break
		}
	}
	if !found {
		return Rule{}, invalid("frequency", opt.Freq.String(), "only DAILY, WEEKLY, MONTHLY and YEARLY are supported")
	}
	switch {
	case len(opt.Bysetpos) > 0:
		return Rule{}, invalid("bysetpos", "", "is not supported")
	case len(opt.Byyearday) > 0:
		return Rule{}, invalid("byyearday", "", "is not supported")
	case len(opt.Byweekno) > 0:
		return Rule{}, invalid("byweekno", "", "is not supported")
	case len(opt.Byhour) > 0 || len(opt.Byminute) > 0 || len(opt.Bysecond) > 0:
		return Rule{}, invalid("byhour", "", "time-of-day expansion is not supported")
	case len(opt.Byeaster) > 0:
		return Rule{}, invalid("byeaster", "", "is not supported")
	}
	if opt.Interval > 1 {
		rule.Interval = new(opt.Interval)
	}
	if opt.Count > 0 {
		rule.Count = new(opt.Count)
	}
	if !opt.Until.IsZero() {
		rule.Until = opt.Until.UTC().Format(time.RFC3339)
	}
	for _, wd := range opt.Byweekday {
		if wd.N() != 0 {
			return Rule{}, invalid("byweekday", wd.String(), "ordinal weekdays are not supported")
		}
		rule.ByWeekday = append(rule.ByWeekday, weekdayOrder[wd.Day()])
	}
	rule.ByMonth = append(rule.ByMonth, opt.Bymonth...)
	rule.ByMonthDay = append(rule.ByMonthDay, opt.Bymonthday...)
	if err := Validate(rule); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// ResolveLocation loads an IANA zone; an empty name means UTC.
func ResolveLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, invalid("timeZone", name, "unknown IANA time zone")
	}
	return loc, nil
}

// CivilDate is the YYYY-MM-DD date of t as observed in loc.
func CivilDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}

// ParseExceptions normalizes exception inputs (YYYY-MM-DD dates or RFC3339
// instants) to the set of civil dates they name in loc.
func ParseExceptions(values []string, loc *time.Location) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if d, err := time.ParseInLocation(time.DateOnly, v, loc); err == nil {
			out[d.Format(time.DateOnly)] = struct{}{}
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, invalid("recurrenceExceptions", v, "must be a YYYY-MM-DD date or an RFC3339 timestamp")
		}
		out[CivilDate(t, loc)] = struct{}{}
	}
	return out, nil
}
