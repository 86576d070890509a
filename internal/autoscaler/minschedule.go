// Copyright 2025 James Ross
package autoscaler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trinolb/trino-lb/internal/config"
)

// weekdayParser is used only to validate the "weekdays" token list against
// cron's own day-of-week vocabulary (SUN..SAT, MON-FRI ranges, etc.) at
// config-build time, the same cron.NewParser construction the
// calendar-view validator uses for cron-spec validation. Matching itself
// is done directly against time.Weekday below; a "HH:MM:SS - HH:MM:SS"
// range has no cron equivalent, so cron only carries the day-of-week
// vocabulary check here.
var weekdayParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Rule is a parsed minClusters entry.
type Rule struct {
	Start    time.Duration // time-of-day offset, UTC
	End      time.Duration
	Weekdays map[time.Weekday]bool // nil/empty means "every day"
	Min      int
}

// BuildRules parses and validates the configured min-cluster schedule,
// rejecting malformed rules rather than silently ignoring them.
func BuildRules(rs []config.MinClusterRule) ([]Rule, error) {
	out := make([]Rule, 0, len(rs))
	for i, r := range rs {
		start, end, err := parseTimeRange(r.TimeUTC)
		if err != nil {
			return nil, fmt.Errorf("minClusters[%d]: %w", i, err)
		}
		days, err := parseWeekdays(r.Weekdays)
		if err != nil {
			return nil, fmt.Errorf("minClusters[%d]: %w", i, err)
		}
		out = append(out, Rule{Start: start, End: end, Weekdays: days, Min: r.Min})
	}
	return out, nil
}

func parseTimeRange(s string) (time.Duration, time.Duration, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("timeUtc %q must be \"HH:MM:SS - HH:MM:SS\"", s)
	}
	start, err := parseTimeOfDay(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	end, err := parseTimeOfDay(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time-of-day %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second, nil
}

var weekdayNames = map[string]time.Weekday{
	"SUN": time.Sunday, "MON": time.Monday, "TUE": time.Tuesday, "WED": time.Wednesday,
	"THU": time.Thursday, "FRI": time.Friday, "SAT": time.Saturday,
}

func parseWeekdays(names []string) (map[time.Weekday]bool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	// Validate against cron's own day-of-week vocabulary first so typos
	// fail at config-build time rather than silently never matching.
	if _, err := weekdayParser.Parse(fmt.Sprintf("* * * * %s", strings.Join(names, ","))); err != nil {
		return nil, fmt.Errorf("invalid weekdays %v: %w", names, err)
	}
	out := make(map[time.Weekday]bool, len(names))
	for _, n := range names {
		wd, ok := weekdayNames[strings.ToUpper(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unrecognized weekday %q", n)
		}
		out[wd] = true
	}
	return out, nil
}

// Matches reports whether rule covers instant now (UTC).
func (r Rule) Matches(now time.Time) bool {
	now = now.UTC()
	if len(r.Weekdays) > 0 && !r.Weekdays[now.Weekday()] {
		return false
	}
	tod := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute + time.Duration(now.Second())*time.Second
	if r.Start <= r.End {
		return tod >= r.Start && tod < r.End
	}
	// Wraps past midnight.
	return tod >= r.Start || tod < r.End
}

// EffectiveMin walks rules in reverse (last-declared-wins among matches)
// and returns the min of the first rule covering now, or 0 if none match.
func EffectiveMin(rules []Rule, now time.Time) int {
	for i := len(rules) - 1; i >= 0; i-- {
		if rules[i].Matches(now) {
			return rules[i].Min
		}
	}
	return 0
}
