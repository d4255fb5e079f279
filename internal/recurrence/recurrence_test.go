package recurrence

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	appLog "eventseries/internal/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teambition/rrule-go"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		rule  Rule
		field string
	}{
		{name: "missing frequency", rule: Rule{}, field: "frequency"},
		{name: "unknown frequency", rule: Rule{Frequency: "HOURLY"}, field: "frequency"},
		{name: "negative interval", rule: Rule{Frequency: Daily, Interval: new(-1)}, field: "interval"},
		{name: "negative count", rule: Rule{Frequency: Daily, Count: new(-3)}, field: "count"},
		{name: "explicit zero interval", rule: Rule{Frequency: Daily, Interval: new(0)}, field: "interval"},
		{name: "explicit zero count", rule: Rule{Frequency: Daily, Count: new(0)}, field: "count"},
		{name: "count and until", rule: Rule{Frequency: Daily, Count: new(3), Until: "2025-12-01"}, field: "count"},
		{name: "bad until", rule: Rule{Frequency: Daily, Until: "next tuesday"}, field: "until"},
		{name: "bad weekday", rule: Rule{Frequency: Weekly, ByWeekday: []Weekday{"XX"}}, field: "byweekday"},
		{name: "bad month", rule: Rule{Frequency: Yearly, ByMonth: []int{13}}, field: "bymonth"},
		{name: "bad month day", rule: Rule{Frequency: Monthly, ByMonthDay: []int{0}}, field: "bymonthday"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tc.rule)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRule))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	require.NoError(t, Validate(Rule{Frequency: Weekly, Interval: new(2), Until: "2025-12-01", ByWeekday: []Weekday{Monday}}))
	require.NoError(t, Validate(Rule{Frequency: Monthly, Count: new(4), ByMonthDay: []int{1, 15}}))
	require.NoError(t, Validate(Rule{Frequency: Daily, Until: "2025-12-01T10:00:00Z"}))
}

func TestValidate_ExplicitZeroFromJSON(t *testing.T) {
	t.Parallel()

	var rule Rule
	require.NoError(t, json.Unmarshal([]byte(`{"frequency":"DAILY","interval":0,"count":0}`), &rule))
	require.ErrorIs(t, Validate(rule), ErrInvalidRule)

	_, err := GenerateOccurrences(time.Date(2025, 10, 1, 18, 0, 0, 0, time.UTC), rule, "UTC", nil, 0)
	require.ErrorIs(t, err, ErrInvalidRule)

	var open Rule
	require.NoError(t, json.Unmarshal([]byte(`{"frequency":"DAILY"}`), &open))
	require.NoError(t, Validate(open))
	assert.Nil(t, open.Interval)
	assert.Nil(t, open.Count)
}

func TestGenerateOccurrences_WeeklyByWeekday(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2025, 10, 1, 18, 0, 0, 0, time.UTC) // Wednesday
	rule := Rule{Frequency: Weekly, Interval: new(1), ByWeekday: []Weekday{Monday, Wednesday, Friday}}

	got, err := GenerateOccurrences(anchor, rule, "UTC", nil, 5)
	require.NoError(t, err)
	require.Len(t, got, 5)

	wantDays := []string{"2025-10-01", "2025-10-03", "2025-10-06", "2025-10-08", "2025-10-10"}
	wantWeekdays := []time.Weekday{time.Wednesday, time.Friday, time.Monday, time.Wednesday, time.Friday}
	for i, d := range got {
		assert.Equal(t, wantDays[i], d.Format(time.DateOnly))
		assert.Equal(t, wantWeekdays[i], d.Weekday())
		assert.Equal(t, 18, d.Hour())
	}
}

func TestGenerateOccurrences_DailyCount(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	rule := Rule{Frequency: Daily, Interval: new(1), Count: new(10)}

	got, err := GenerateOccurrences(anchor, rule, "UTC", nil, 11)
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i, d := range got {
		assert.True(t, d.Equal(anchor.AddDate(0, 0, i)), "occurrence %d = %s", i, d)
	}

	after, err := GenerateFrom(got[9].Add(time.Second), anchor, rule, "UTC", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestGenerateOccurrences_OpenEndedIsCapped(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	got, err := GenerateOccurrences(anchor, Rule{Frequency: Daily}, "", nil, 0)
	require.NoError(t, err)
	assert.Len(t, got, DefaultMaxOccurrences)
}

func TestGenerateOccurrences_ExceptionsRemoved(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2025, 10, 6, 19, 0, 0, 0, time.UTC) // Monday
	rule := Rule{Frequency: Weekly}
	exceptions := []string{"2025-10-13", "2025-10-27T19:00:00Z"}

	got, err := GenerateOccurrences(anchor, rule, "UTC", exceptions, 4)
	require.NoError(t, err)
	days := civilDays(got, time.UTC)
	assert.Equal(t, []string{"2025-10-06", "2025-10-20", "2025-11-03", "2025-11-10"}, days)
	assert.NotContains(t, days, "2025-10-13")
	assert.NotContains(t, days, "2025-10-27")
}

func TestGenerateOccurrences_ExceptionsConsumeCount(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	rule := Rule{Frequency: Daily, Count: new(3)}

	got, err := GenerateOccurrences(anchor, rule, "UTC", []string{"2025-05-02"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-05-01", "2025-05-03"}, civilDays(got, time.UTC))

	in, err := IsDateInRecurrencePattern(time.Date(2025, 5, 4, 12, 0, 0, 0, time.UTC), anchor, rule, "UTC", []string{"2025-05-02"})
	require.NoError(t, err)
	assert.False(t, in)
}

func TestGenerateOccurrences_DSTKeepsLocalClock(t *testing.T) {
	t.Parallel()

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	anchor := time.Date(2025, 10, 27, 9, 0, 0, 0, ny) // EDT
	got, err := GenerateOccurrences(anchor, Rule{Frequency: Weekly}, "America/New_York", nil, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 13, got[0].UTC().Hour())
	assert.Equal(t, 14, got[1].UTC().Hour(), "after the fall-back the same 09:00 local is 14:00Z")
	assert.Equal(t, 9, got[1].In(ny).Hour())
}

func TestGenerateOccurrences_MonthlySkipsShortMonths(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC)
	got, err := GenerateOccurrences(anchor, Rule{Frequency: Monthly}, "UTC", nil, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-01-31", "2025-03-31", "2025-05-31", "2025-07-31"}, civilDays(got, time.UTC))
}

func TestGenerateFrom_WarnsWhenScanLimitIsHit(t *testing.T) {
	var buf bytes.Buffer
	appLog.SetOutput(&buf)
	t.Cleanup(func() { appLog.SetOutput(os.Stderr) })

	anchor := time.Date(2000, 1, 1, 9, 0, 0, 0, time.UTC)
	from := anchor.AddDate(0, 0, MaxScan+10)
	got, err := GenerateFrom(from, anchor, Rule{Frequency: Daily}, "UTC", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Contains(t, buf.String(), "[WARN] pattern scan limit reached")
	assert.Contains(t, buf.String(), "found=0 wanted=5")

	buf.Reset()
	got, err = GenerateFrom(anchor, anchor, Rule{Frequency: Daily, Count: new(3)}, "UTC", nil, 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Empty(t, buf.String())
}

func TestGenerateOccurrences_UntilDateIsInclusive(t *testing.T) {
	t.Parallel()

	tz := "Europe/Berlin"
	loc, err := time.LoadLocation(tz)
	require.NoError(t, err)
	anchor := time.Date(2025, 6, 2, 20, 0, 0, 0, loc)

	got, err := GenerateOccurrences(anchor, Rule{Frequency: Weekly, Interval: new(2), Until: "2025-06-30"}, tz, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-06-02", "2025-06-16", "2025-06-30"}, civilDays(got, loc))
}

func TestGenerateFrom_Cutoff(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2025, 1, 1, 7, 0, 0, 0, time.UTC)
	from := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	got, err := GenerateFrom(from, anchor, Rule{Frequency: Daily, Interval: new(3)}, "UTC", nil, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-01-10", "2025-01-13", "2025-01-16"}, civilDays(got, time.UTC))
}

func TestGenerateOccurrences_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2025, 1, 1, 7, 0, 0, 0, time.UTC)

	_, err := GenerateOccurrences(anchor, Rule{Frequency: "FORTNIGHTLY"}, "UTC", nil, 5)
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = GenerateOccurrences(anchor, Rule{Frequency: Daily}, "Mars/Olympus_Mons", nil, 5)
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = GenerateOccurrences(anchor, Rule{Frequency: Daily}, "UTC", []string{"someday"}, 5)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestPatternConsistency(t *testing.T) {
	t.Parallel()

	ny := "America/New_York"
	loc, err := time.LoadLocation(ny)
	require.NoError(t, err)

	cases := []struct {
		name       string
		anchor     time.Time
		rule       Rule
		exceptions []string
	}{
		{name: "daily interval 2", anchor: time.Date(2025, 3, 1, 1, 30, 0, 0, loc), rule: Rule{Frequency: Daily, Interval: new(2)}},
		{name: "weekly multi day", anchor: time.Date(2025, 10, 1, 18, 0, 0, 0, loc), rule: Rule{Frequency: Weekly, ByWeekday: []Weekday{Monday, Wednesday, Friday}}, exceptions: []string{"2025-10-10"}},
		{name: "biweekly tuesday", anchor: time.Date(2025, 9, 30, 7, 15, 0, 0, loc), rule: Rule{Frequency: Weekly, Interval: new(2), ByWeekday: []Weekday{Tuesday, Thursday}}},
		{name: "monthly by month day", anchor: time.Date(2025, 1, 15, 12, 0, 0, 0, loc), rule: Rule{Frequency: Monthly, ByMonthDay: []int{1, 15, 31}}},
		{name: "quarterly", anchor: time.Date(2025, 2, 10, 12, 0, 0, 0, loc), rule: Rule{Frequency: Monthly, Interval: new(3), Count: new(5)}},
		{name: "yearly by month", anchor: time.Date(2024, 2, 29, 9, 0, 0, 0, loc), rule: Rule{Frequency: Yearly, ByMonth: []int{2, 8}}},
		{name: "daily weekdays until", anchor: time.Date(2025, 11, 1, 8, 0, 0, 0, loc), rule: Rule{Frequency: Daily, ByWeekday: []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday}, Until: "2025-11-30"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			const limit = 40
			got, err := GenerateOccurrences(tc.anchor, tc.rule, ny, tc.exceptions, limit)
			require.NoError(t, err)
			require.NotEmpty(t, got)

			generated := make(map[string]time.Time, len(got))
			for i, d := range got {
				if i > 0 {
					require.True(t, got[i-1].Before(d), "not strictly ascending at %d", i)
				}
				instant, ok, err := OccurrenceOn(d, tc.anchor, tc.rule, ny, tc.exceptions)
				require.NoError(t, err)
				require.True(t, ok, "generated %s is not in pattern", d)
				require.True(t, instant.Equal(d), "instant %s != generated %s", instant, d)
				generated[CivilDate(d, loc)] = d
			}

			last := got[len(got)-1]
			for day := tc.anchor; !day.After(last); day = day.AddDate(0, 0, 1) {
				in, err := IsDateInRecurrencePattern(day, tc.anchor, tc.rule, ny, tc.exceptions)
				require.NoError(t, err)
				_, wasGenerated := generated[CivilDate(day, loc)]
				require.Equal(t, wasGenerated, in, "membership mismatch on %s", CivilDate(day, loc))
			}
		})
	}
}

func TestIsDateInRecurrencePattern_RejectsOffPatternWeekday(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2025, 10, 1, 18, 0, 0, 0, time.UTC)
	rule := Rule{Frequency: Weekly, ByWeekday: []Weekday{Monday, Wednesday, Friday}}

	tuesday := time.Date(2025, 10, 7, 18, 0, 0, 0, time.UTC)
	in, err := IsDateInRecurrencePattern(tuesday, anchor, rule, "UTC", nil)
	require.NoError(t, err)
	assert.False(t, in)

	before := time.Date(2025, 9, 29, 18, 0, 0, 0, time.UTC)
	in, err = IsDateInRecurrencePattern(before, anchor, rule, "UTC", nil)
	require.NoError(t, err)
	assert.False(t, in, "dates before the anchor are never members")
}

func TestOccurrenceOn_SnapsToAnchorClock(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2025, 10, 1, 18, 0, 0, 0, time.UTC)
	midnight := time.Date(2025, 10, 8, 0, 0, 0, 0, time.UTC)

	instant, ok, err := OccurrenceOn(midnight, anchor, Rule{Frequency: Weekly}, "UTC", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 10, 8, 18, 0, 0, 0, time.UTC), instant.UTC())
}

func TestIsSameDay(t *testing.T) {
	t.Parallel()

	a := time.Date(2025, 10, 5, 23, 30, 0, 0, time.UTC)
	b := time.Date(2025, 10, 6, 1, 30, 0, 0, time.UTC)

	same, err := IsSameDay(a, b, "America/New_York")
	require.NoError(t, err)
	assert.True(t, same)

	same, err = IsSameDay(a, b, "UTC")
	require.NoError(t, err)
	assert.False(t, same)

	_, err = IsSameDay(a, b, "Nowhere/Special")
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestDescribePattern(t *testing.T) {
	t.Parallel()

	cases := []struct {
		rule Rule
		want string
	}{
		{Rule{Frequency: Weekly}, "Every week"},
		{Rule{Frequency: Weekly, Interval: new(2), Until: "2025-12-01"}, "Every 2 weeks until 2025-12-01"},
		{Rule{Frequency: Weekly, ByWeekday: []Weekday{Monday, Wednesday}}, "Every week on Monday, Wednesday"},
		{Rule{Frequency: Daily, Count: new(10)}, "Every day, 10 times"},
		{Rule{Frequency: Monthly, ByMonthDay: []int{15, 1}}, "Every month on day 1, 15"},
		{Rule{Frequency: Yearly, ByMonth: []int{12}, Count: new(1)}, "Every year in December, once"},
		{Rule{Frequency: "SOMETIMES"}, "Custom recurrence"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DescribePattern(tc.rule))
	}
}

func TestFromROption(t *testing.T) {
	t.Parallel()

	opt, err := rrule.StrToROption("FREQ=WEEKLY;INTERVAL=2;COUNT=6;BYDAY=MO,WE")
	require.NoError(t, err)
	rule, err := FromROption(*opt)
	require.NoError(t, err)
	assert.Equal(t, Rule{Frequency: Weekly, Interval: new(2), Count: new(6), ByWeekday: []Weekday{Monday, Wednesday}}, rule)

	opt, err = rrule.StrToROption("FREQ=MONTHLY;BYDAY=2MO")
	require.NoError(t, err)
	_, err = FromROption(*opt)
	assert.ErrorIs(t, err, ErrInvalidRule)

	opt, err = rrule.StrToROption("FREQ=HOURLY")
	require.NoError(t, err)
	_, err = FromROption(*opt)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func civilDays(ts []time.Time, loc *time.Location) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, CivilDate(t, loc))
	}
	return out
}
