// Copyright 2025 James Ross
package autoscaler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinolb/trino-lb/internal/config"
)

func TestBuildRules_RejectsMalformedTimeRange(t *testing.T) {
	_, err := BuildRules([]config.MinClusterRule{{TimeUTC: "not-a-range", Min: 1}})
	require.Error(t, err)
}

func TestBuildRules_RejectsUnknownWeekday(t *testing.T) {
	_, err := BuildRules([]config.MinClusterRule{
		{TimeUTC: "09:00:00 - 17:00:00", Weekdays: []string{"FUNDAY"}, Min: 1},
	})
	require.Error(t, err)
}

func TestRule_MatchesPlainRange(t *testing.T) {
	rules, err := BuildRules([]config.MinClusterRule{
		{TimeUTC: "09:00:00 - 17:00:00", Min: 2},
	})
	require.NoError(t, err)

	inside := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	outside := time.Date(2026, 7, 29, 20, 0, 0, 0, time.UTC)
	require.True(t, rules[0].Matches(inside))
	require.False(t, rules[0].Matches(outside))
}

func TestRule_MatchesMidnightWrap(t *testing.T) {
	rules, err := BuildRules([]config.MinClusterRule{
		{TimeUTC: "22:00:00 - 02:00:00", Min: 1},
	})
	require.NoError(t, err)

	lateNight := time.Date(2026, 7, 29, 23, 30, 0, 0, time.UTC)
	earlyMorning := time.Date(2026, 7, 29, 1, 30, 0, 0, time.UTC)
	midday := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	require.True(t, rules[0].Matches(lateNight))
	require.True(t, rules[0].Matches(earlyMorning))
	require.False(t, rules[0].Matches(midday))
}

func TestRule_WeekdayFilter(t *testing.T) {
	rules, err := BuildRules([]config.MinClusterRule{
		{TimeUTC: "00:00:00 - 23:59:59", Weekdays: []string{"MON", "TUE", "WED", "THU", "FRI"}, Min: 3},
	})
	require.NoError(t, err)

	// 2026-07-29 is a Wednesday.
	weekday := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	// 2026-08-01 is a Saturday.
	weekend := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.True(t, rules[0].Matches(weekday))
	require.False(t, rules[0].Matches(weekend))
}

func TestEffectiveMin_LastMatchingRuleWins(t *testing.T) {
	rules, err := BuildRules([]config.MinClusterRule{
		{TimeUTC: "00:00:00 - 23:59:59", Min: 1},
		{TimeUTC: "09:00:00 - 17:00:00", Min: 4},
	})
	require.NoError(t, err)

	business := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 4, EffectiveMin(rules, business))

	evening := time.Date(2026, 7, 29, 20, 0, 0, 0, time.UTC)
	require.Equal(t, 1, EffectiveMin(rules, evening))
}

func TestEffectiveMin_NoRulesIsZero(t *testing.T) {
	require.Equal(t, 0, EffectiveMin(nil, time.Now()))
}
