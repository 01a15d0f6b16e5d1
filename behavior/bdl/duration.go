package bdl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// fallback when a tracking window duration does not parse
	DefaultTrackingDuration = 24 * time.Hour
	// fallback when an action duration (timeout, ask_question) does not parse
	DefaultActionDuration = 60 * time.Second
)

var durationRegex = regexp.MustCompile(`^(\d+)([smhd])$`)

// Parses the compact "<count><unit>" duration form used in rule definitions, eg "30s", "10m", "1h", "7d".
func ParseDuration(raw string) (time.Duration, error) {
	m := durationRegex.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0, fmt.Errorf("invalid duration: %q", raw)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration count %q: %w", m[1], err)
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if n > int64(1<<62)/int64(unit) {
		return 0, fmt.Errorf("duration out of range: %q", raw)
	}
	return time.Duration(n) * unit, nil
}

// Like ParseDuration, but returns def for anything that does not parse.
func ParseDurationOr(raw string, def time.Duration) time.Duration {
	d, err := ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
