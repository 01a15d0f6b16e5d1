// Counters for rule safety limits and action circuit breakers.
//
// Includes an interface and implementations using redis and in-process memory. Counts are kept
// per calendar period (UTC hour and day) as well as a running total.
package countstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	PeriodTotal = "total"
	PeriodDay   = "day"
	PeriodHour  = "hour"
)

type CountStore interface {
	GetCount(ctx context.Context, name, val, period string) (int, error)
	Increment(ctx context.Context, name, val string) error
	// Atomically marks (name, val) for the given TTL. Returns false if an unexpired mark already exists.
	Claim(ctx context.Context, name, val string, ttl time.Duration) (bool, error)
}

func periodBucket(name, val, period string, now time.Time) string {
	switch period {
	case PeriodTotal:
		return fmt.Sprintf("%s/%s", name, val)
	case PeriodDay:
		t := now.UTC().Format(time.DateOnly)
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	case PeriodHour:
		t := now.UTC().Format(time.RFC3339)[0:13]
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	default:
		slog.Warn("unhandled counter period", "period", period)
		return fmt.Sprintf("%s/%s", name, val)
	}
}
