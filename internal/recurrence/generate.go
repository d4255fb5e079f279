package recurrence

import (
	"time"

	appLog "eventseries/internal/log"

	"github.com/teambition/rrule-go"
)

const (
	// DefaultMaxOccurrences caps a single generation call when the caller
	// passes no cap. Open-ended rules never generate past it.
	DefaultMaxOccurrences = 500

	// MaxScan bounds how many pattern dates are walked before the first one
	// on or after a cutoff, so an old open-ended anchor cannot spin forever.
	MaxScan = 100_000
)

// GenerateOccurrences returns the first limit pattern dates of rule anchored at
// anchor, evaluated in civil time in timeZone, with exception dates removed.
// The result is strictly ascending and identical for identical inputs.
func GenerateOccurrences(anchor time.Time, rule Rule, timeZone string, exceptions []string, limit int) ([]time.Time, error) {
	return GenerateFrom(time.Time{}, anchor, rule, timeZone, exceptions, limit)
}

// GenerateFrom is GenerateOccurrences restricted to dates at or after from.
// A zero from starts at the anchor. When MaxScan pattern dates are walked
// before limit dates are found, the short result is logged at WARN.
func GenerateFrom(from, anchor time.Time, rule Rule, timeZone string, exceptions []string, limit int) ([]time.Time, error) {
	if err := Validate(rule); err != nil {
		return nil, err
	}
	loc, err := ResolveLocation(timeZone)
	if err != nil {
		return nil, err
	}
	set, err := buildSet(anchor, rule, loc, exceptions)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultMaxOccurrences
	}

	next := set.Iterator()
	out := make([]time.Time, 0, min(limit, 64))
	scanned := 0
	for ; len(out) < limit && scanned < MaxScan; scanned++ {
		t, ok := next()
		if !ok {
			return out, nil
		}
		if !from.IsZero() && t.Before(from) {
			continue
		}
		out = append(out, t)
	}
	if len(out) < limit && scanned == MaxScan {
		appLog.Warn("pattern scan limit reached", "anchor", anchor, "from", from,
			"frequency", string(rule.Frequency), "scanned", scanned, "found", len(out), "wanted", limit)
	}
	return out, nil
}

// buildSet assembles an rrule.Set for the rule with one EXDATE per excluded
// civil date. All pattern instants share the anchor's local clock time, so
// an EXDATE at that clock time on the excluded day removes exactly that day.
func buildSet(anchor time.Time, rule Rule, loc *time.Location, exceptions []string) (*rrule.Set, error) {
	dtstart := anchor.In(loc).Truncate(time.Second)
	opt, err := ToROption(rule, dtstart)
	if err != nil {
		return nil, err
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, invalid("rule", "", err.Error())
	}

	excluded, err := ParseExceptions(exceptions, loc)
	if err != nil {
		return nil, err
	}

	set := &rrule.Set{}
	set.RRule(r)
	for day := range excluded {
		d, _ := time.ParseInLocation(time.DateOnly, day, loc)
		set.ExDate(atClock(d, dtstart))
	}
	return set, nil
}

// atClock places the anchor's local clock time on day's civil date.
func atClock(day, anchor time.Time) time.Time {
	h, m, s := anchor.Clock()
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, s, 0, anchor.Location())
}
