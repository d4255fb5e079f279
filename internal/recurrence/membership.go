package recurrence

import (
	"slices"
	"time"

	"github.com/teambition/rrule-go"
)

// IsDateInRecurrencePattern reports whether the civil day of candidate (in
// timeZone) holds an occurrence of the pattern, honoring count, until and
// exceptions.
func IsDateInRecurrencePattern(candidate, anchor time.Time, rule Rule, timeZone string, exceptions []string) (bool, error) {
	_, ok, err := OccurrenceOn(candidate, anchor, rule, timeZone, exceptions)
	return ok, err
}

// OccurrenceOn returns the pattern instant on candidate's civil day, if the
// day is a member of the pattern. The instant carries the anchor's local
// clock time, which is what the generator would have produced for that day.
//
// Membership is decided arithmetically from the anchor; only a Count bound
// requires walking the pattern, and that walk stops at the count.
func OccurrenceOn(candidate, anchor time.Time, rule Rule, timeZone string, exceptions []string) (time.Time, bool, error) {
	if err := Validate(rule); err != nil {
		return time.Time{}, false, err
	}
	loc, err := ResolveLocation(timeZone)
	if err != nil {
		return time.Time{}, false, err
	}
	excluded, err := ParseExceptions(exceptions, loc)
	if err != nil {
		return time.Time{}, false, err
	}

	dtstart := anchor.In(loc).Truncate(time.Second)
	local := candidate.In(loc)
	aDay := civilDay(dtstart)
	cDay := civilDay(local)
	if cDay.Before(aDay) {
		return time.Time{}, false, nil
	}

	if !inPeriod(rule, aDay, cDay) || !matchesFilters(rule, dtstart, local) {
		return time.Time{}, false, nil
	}

	instant := atClock(local, dtstart)
	if instant.Before(dtstart) {
		return time.Time{}, false, nil
	}
	if rule.Until != "" {
		until, err := parseUntil(rule.Until, loc)
		if err != nil {
			return time.Time{}, false, invalid("until", rule.Until, err.Error())
		}
		if instant.After(until) {
			return time.Time{}, false, nil
		}
	}
	if _, skip := excluded[instant.Format(time.DateOnly)]; skip {
		return time.Time{}, false, nil
	}
	if rule.count() > 0 {
		within, err := withinCount(rule, dtstart, instant)
		if err != nil || !within {
			return time.Time{}, false, err
		}
	}
	return instant, true, nil
}

// IsSameDay compares the civil dates of a and b as observed in timeZone.
func IsSameDay(a, b time.Time, timeZone string) (bool, error) {
	loc, err := ResolveLocation(timeZone)
	if err != nil {
		return false, err
	}
	return CivilDate(a, loc) == CivilDate(b, loc), nil
}

// civilDay strips t to its calendar date on a UTC grid, so day arithmetic
// is unaffected by DST transitions in t's own zone.
func civilDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func inPeriod(rule Rule, aDay, cDay time.Time) bool {
	interval := rule.interval()
	switch rule.Frequency {
	case Daily:
		days := int(cDay.Sub(aDay).Hours() / 24)
		return days%interval == 0
	case Weekly:
		aWeek := aDay.AddDate(0, 0, -weekdayOf(aDay.Weekday()))
		cWeek := cDay.AddDate(0, 0, -weekdayOf(cDay.Weekday()))
		weeks := int(cWeek.Sub(aWeek).Hours() / 24 / 7)
		return weeks%interval == 0
	case Monthly:
		months := (cDay.Year()-aDay.Year())*12 + int(cDay.Month()) - int(aDay.Month())
		return months%interval == 0
	case Yearly:
		return (cDay.Year()-aDay.Year())%interval == 0
	}
	return false
}

// matchesFilters applies BYMONTH, BYMONTHDAY and BYWEEKDAY, including the
// implicit filters RFC 5545 derives from the anchor when none are given.
func matchesFilters(rule Rule, anchor, local time.Time) bool {
	byWeekday, byMonth, byMonthDay := effectiveFilters(rule, anchor)
	if len(byMonth) > 0 && !slices.Contains(byMonth, int(local.Month())) {
		return false
	}
	if len(byMonthDay) > 0 && !slices.Contains(byMonthDay, local.Day()) {
		return false
	}
	if len(byWeekday) > 0 && !slices.Contains(byWeekday, weekdayOf(local.Weekday())) {
		return false
	}
	return true
}

func effectiveFilters(rule Rule, anchor time.Time) (byWeekday, byMonth, byMonthDay []int) {
	for _, wd := range rule.ByWeekday {
		idx, _ := weekdayIndex(wd)
		byWeekday = append(byWeekday, idx)
	}
	byMonth = rule.ByMonth
	byMonthDay = rule.ByMonthDay
	if len(byWeekday) > 0 || len(byMonthDay) > 0 {
		return byWeekday, byMonth, byMonthDay
	}
	switch rule.Frequency {
	case Yearly:
		if len(byMonth) == 0 {
			byMonth = []int{int(anchor.Month())}
		}
		byMonthDay = []int{anchor.Day()}
	case Monthly:
		byMonthDay = []int{anchor.Day()}
	case Weekly:
		byWeekday = []int{weekdayOf(anchor.Weekday())}
	}
	return byWeekday, byMonth, byMonthDay
}

// withinCount walks the first Count pattern instants. Exceptions do not
// give back their slot, matching EXDATE semantics.
func withinCount(rule Rule, dtstart, instant time.Time) (bool, error) {
	opt, err := ToROption(rule, dtstart)
	if err != nil {
		return false, err
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return false, invalid("rule", "", err.Error())
	}
	next := r.Iterator()
	for {
		t, ok := next()
		if !ok || t.After(instant) {
			return false, nil
		}
		if t.Equal(instant) {
			return true, nil
		}
	}
}
