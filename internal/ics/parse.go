// Package ics imports recurring VEVENTs from iCalendar payloads as series
// create requests.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "eventseries/internal/log"
	"eventseries/internal/recurrence"
)

// ParsedEvent is the part of a VEVENT the importer cares about.
type ParsedEvent struct {
	UID string

	Summary     string
	Description string
	Location    string
	URL         string
	Categories  []string

	Start  time.Time
	End    time.Time
	AllDay bool
	TZID   string

	RawRRule string
	// ExDates are civil dates in the event's zone.
	ExDates    []string
	IsOverride bool
}

// ParseEvents decodes every VEVENT of body. Events that fail to decode are
// logged and skipped.
func ParseEvents(body []byte) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp)
		if perr != nil {
			appLog.Warn("ics vevent skipped", "uid", propValue(comp, ical.ComponentPropertyUniqueId), "err", perr)
			continue
		}
		events = append(events, ev)
	}
	appLog.Debug("ics parse completed", "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent
	out.UID = propValue(ve, ical.ComponentPropertyUniqueId)
	out.Summary = propValue(ve, ical.ComponentPropertySummary)
	out.Description = propValue(ve, ical.ComponentPropertyDescription)
	out.Location = propValue(ve, ical.ComponentPropertyLocation)
	out.URL = propValue(ve, ical.ComponentPropertyUrl)
	for _, p := range ve.GetProperties(ical.ComponentPropertyCategories) {
		for _, c := range strings.Split(p.Value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				out.Categories = append(out.Categories, c)
			}
		}
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	out.TZID = param(dtStart, "TZID")
	out.AllDay = strings.EqualFold(param(dtStart, "VALUE"), "DATE") || !strings.Contains(dtStart.Value, "T")

	loc := time.UTC
	if out.TZID != "" {
		l, err := recurrence.ResolveLocation(out.TZID)
		if err != nil {
			return out, err
		}
		loc = l
	}
	start, err := parseICSTime(dtStart.Value, loc)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start

	switch dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case dtEnd != nil:
		endLoc := loc
		if tz := param(dtEnd, "TZID"); tz != "" {
			if l, err := recurrence.ResolveLocation(tz); err == nil {
				endLoc = l
			}
		}
		end, err := parseICSTime(dtEnd.Value, endLoc)
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		out.End = end
	case out.AllDay:
		out.End = start.AddDate(0, 0, 1)
	default:
		out.End = start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	// EXDATE may repeat and may hold comma-separated values.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		exLoc := loc
		if tz := param(p, "TZID"); tz != "" {
			if l, err := recurrence.ResolveLocation(tz); err == nil {
				exLoc = l
			}
		}
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := parseICSTime(part, exLoc)
			if err != nil {
				appLog.Warn("ics exdate skipped", "uid", out.UID, "value", part, "err", err)
				continue
			}
			out.ExDates = append(out.ExDates, recurrence.CivilDate(t, loc))
		}
	}

	if ve.GetProperty(ical.ComponentPropertyRecurrenceId) != nil {
		out.IsOverride = true
	}
	return out, nil
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return p.Value
	}
	return ""
}

func param(p *ical.IANAProperty, name string) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if vs, ok := p.ICalParameters[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// parseICSTime parses the DATE, floating DATE-TIME and UTC DATE-TIME forms.
// Floating and date values are read in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
