package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronFields is the number of fields in a cron-5 expression:
// minute, hour, day-of-month, month, day-of-week.
const cronFields = 5

// cronField bounds per position.
var cronBounds = [cronFields]struct{ min, max int }{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week, Sunday = 0
}

// Schedule is a parsed cron-5 expression.
type Schedule struct {
	expr   string
	fields [cronFields]map[int]bool
}

// ParseSchedule parses a cron-5 expression. Supported syntax per field:
// "*", "*/n", "n", "n-m", and comma lists of those.
func ParseSchedule(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != cronFields {
		return nil, fmt.Errorf("cron expression %q: want %d fields, got %d", expr, cronFields, len(parts))
	}

	s := &Schedule{expr: expr}

	for i, part := range parts {
		field, err := parseCronField(part, cronBounds[i].min, cronBounds[i].max)
		if err != nil {
			return nil, fmt.Errorf("cron expression %q field %d: %w", expr, i+1, err)
		}

		s.fields[i] = field
	}

	return s, nil
}

// parseCronField expands one field into its matching value set.
func parseCronField(part string, lo, hi int) (map[int]bool, error) {
	values := make(map[int]bool)

	for _, token := range strings.Split(part, ",") {
		switch {
		case token == "*":
			for v := lo; v <= hi; v++ {
				values[v] = true
			}

		case strings.HasPrefix(token, "*/"):
			step, err := strconv.Atoi(token[2:])
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("invalid step %q", token)
			}

			for v := lo; v <= hi; v += step {
				values[v] = true
			}

		case strings.Contains(token, "-"):
			ends := strings.SplitN(token, "-", 2)

			start, startErr := strconv.Atoi(ends[0])
			end, endErr := strconv.Atoi(ends[1])

			if startErr != nil || endErr != nil || start > end || start < lo || end > hi {
				return nil, fmt.Errorf("invalid range %q", token)
			}

			for v := start; v <= end; v++ {
				values[v] = true
			}

		default:
			v, err := strconv.Atoi(token)
			if err != nil || v < lo || v > hi {
				return nil, fmt.Errorf("invalid value %q", token)
			}

			values[v] = true
		}
	}

	return values, nil
}

// Matches reports whether t falls on the schedule, at minute granularity.
func (s *Schedule) Matches(t time.Time) bool {
	checks := [cronFields]int{
		t.Minute(),
		t.Hour(),
		t.Day(),
		int(t.Month()),
		int(t.Weekday()),
	}

	for i, v := range checks {
		if !s.fields[i][v] {
			return false
		}
	}

	return true
}

// String returns the original expression.
func (s *Schedule) String() string { return s.expr }
