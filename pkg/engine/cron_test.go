package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeamWiseflow/wiseflow-go/pkg/engine"
)

func at(t *testing.T, value string) time.Time {
	t.Helper()

	parsed, err := time.Parse("2006-01-02 15:04", value)
	require.NoError(t, err)

	return parsed
}

func TestScheduleEveryMinute(t *testing.T) {
	t.Parallel()

	s, err := engine.ParseSchedule("* * * * *")
	require.NoError(t, err)

	assert.True(t, s.Matches(at(t, "2026-08-25 10:30")))
	assert.True(t, s.Matches(at(t, "2026-12-31 23:59")))
}

func TestScheduleFixedTime(t *testing.T) {
	t.Parallel()

	s, err := engine.ParseSchedule("30 9 * * *")
	require.NoError(t, err)

	assert.True(t, s.Matches(at(t, "2026-08-25 09:30")))
	assert.False(t, s.Matches(at(t, "2026-08-25 09:31")))
	assert.False(t, s.Matches(at(t, "2026-08-25 10:30")))
}

func TestScheduleSteps(t *testing.T) {
	t.Parallel()

	s, err := engine.ParseSchedule("*/15 * * * *")
	require.NoError(t, err)

	assert.True(t, s.Matches(at(t, "2026-08-25 10:00")))
	assert.True(t, s.Matches(at(t, "2026-08-25 10:45")))
	assert.False(t, s.Matches(at(t, "2026-08-25 10:20")))
}

func TestScheduleRangesAndLists(t *testing.T) {
	t.Parallel()

	// Weekdays at 8:00 and 18:00.
	s, err := engine.ParseSchedule("0 8,18 * * 1-5")
	require.NoError(t, err)

	// 2026-08-25 is a Tuesday.
	assert.True(t, s.Matches(at(t, "2026-08-25 08:00")))
	assert.True(t, s.Matches(at(t, "2026-08-25 18:00")))
	assert.False(t, s.Matches(at(t, "2026-08-25 12:00")))

	// 2026-08-30 is a Sunday.
	assert.False(t, s.Matches(at(t, "2026-08-30 08:00")))
}

func TestScheduleRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"5-2 * * * *",
		"abc * * * *",
	} {
		_, err := engine.ParseSchedule(expr)
		assert.Error(t, err, "expression %q", expr)
	}
}
