package ics

import (
	"errors"
	"fmt"
	"strings"

	appLog "eventseries/internal/log"
	"eventseries/internal/model"
	"eventseries/internal/recurrence"
	"eventseries/internal/series"

	"github.com/teambition/rrule-go"
)

// ErrNoRecurringEvents is returned when a payload holds no importable VEVENT.
var ErrNoRecurringEvents = errors.New("no recurring events in calendar")

// ParseSeries turns every recurring VEVENT of body into a series create
// request. One-off events and RECURRENCE-ID overrides are skipped, as are
// rules using RRULE parts the engine cannot represent.
func ParseSeries(body []byte) ([]series.CreateRequest, error) {
	events, err := ParseEvents(body)
	if err != nil {
		return nil, err
	}

	out := make([]series.CreateRequest, 0, len(events))
	for _, ev := range events {
		switch {
		case ev.IsOverride:
			appLog.Debug("ics override skipped", "uid", ev.UID)
			continue
		case ev.RawRRule == "":
			appLog.Debug("ics one-off event skipped", "uid", ev.UID, "summary", ev.Summary)
			continue
		}
		req, err := toCreateRequest(ev)
		if err != nil {
			appLog.Warn("ics recurring event skipped", "uid", ev.UID, "summary", ev.Summary, "err", err)
			continue
		}
		out = append(out, req)
	}
	if len(out) == 0 {
		return nil, ErrNoRecurringEvents
	}
	appLog.Info("ics series parsed", "events", len(events), "series", len(out))
	return out, nil
}

func toCreateRequest(ev ParsedEvent) (series.CreateRequest, error) {
	opt, err := rrule.StrToROption(ev.RawRRule)
	if err != nil {
		return series.CreateRequest{}, fmt.Errorf("%w: rrule: %v", recurrence.ErrInvalidRule, err)
	}
	rule, err := recurrence.FromROption(*opt)
	if err != nil {
		return series.CreateRequest{}, err
	}

	name := strings.TrimSpace(ev.Summary)
	if name == "" {
		name = "Imported series"
	}
	req := series.CreateRequest{
		Name:        name,
		Description: ev.Description,
		TimeZone:    ev.TZID,
		Rule:        rule,
		Exceptions:  ev.ExDates,
		StartDate:   ev.Start,
		EndDate:     ev.End,
		Location:    ev.Location,
		Categories:  ev.Categories,
		Type:        model.TypeInPerson,
	}
	if ev.URL != "" {
		req.OnlineLocation = ev.URL
		req.Type = model.TypeOnline
		if ev.Location != "" {
			req.Type = model.TypeHybrid
		}
	}
	return req, nil
}
