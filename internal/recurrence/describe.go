package recurrence

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

var unitNames = map[Frequency][2]string{
	Daily:   {"day", "days"},
	Weekly:  {"week", "weeks"},
	Monthly: {"month", "months"},
	Yearly:  {"year", "years"},
}

var weekdayNames = map[Weekday]string{
	Monday:    "Monday",
	Tuesday:   "Tuesday",
	Wednesday: "Wednesday",
	Thursday:  "Thursday",
	Friday:    "Friday",
	Saturday:  "Saturday",
	Sunday:    "Sunday",
}

// DescribePattern renders a short English summary such as
// "Every 2 weeks on Monday, Wednesday until 2025-12-01". Best effort only.
func DescribePattern(rule Rule) string {
	names, ok := unitNames[rule.Frequency]
	if !ok {
		return "Custom recurrence"
	}

	var b strings.Builder
	if n := rule.interval(); n == 1 {
		b.WriteString("Every " + names[0])
	} else {
		fmt.Fprintf(&b, "Every %d %s", n, names[1])
	}

	if len(rule.ByWeekday) > 0 {
		days := make([]string, 0, len(rule.ByWeekday))
		for _, wd := range rule.ByWeekday {
			if name, ok := weekdayNames[Weekday(strings.ToUpper(string(wd)))]; ok {
				days = append(days, name)
			}
		}
		b.WriteString(" on " + strings.Join(days, ", "))
	}
	if len(rule.ByMonthDay) > 0 {
		b.WriteString(" on day " + joinInts(rule.ByMonthDay))
	}
	if len(rule.ByMonth) > 0 {
		months := make([]string, 0, len(rule.ByMonth))
		for _, m := range sortedCopy(rule.ByMonth) {
			if m >= 1 && m <= 12 {
				months = append(months, time.Month(m).String())
			}
		}
		b.WriteString(" in " + strings.Join(months, ", "))
	}

	switch n := rule.count(); {
	case n == 1:
		b.WriteString(", once")
	case n > 1:
		fmt.Fprintf(&b, ", %d times", n)
	case rule.Until != "":
		b.WriteString(" until " + untilLabel(rule.Until))
	}
	return b.String()
}

func untilLabel(until string) string {
	if t, err := time.Parse(time.RFC3339, until); err == nil {
		return t.UTC().Format(time.DateOnly)
	}
	return until
}

func joinInts(values []int) string {
	parts := make([]string, 0, len(values))
	for _, v := range sortedCopy(values) {
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, ", ")
}

func sortedCopy(values []int) []int {
	out := slices.Clone(values)
	slices.Sort(out)
	return out
}
