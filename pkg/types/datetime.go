package types

import (
	"time"
)

// DateTime is a microsecond-precision UTC timestamp. Microsecond precision is
// part of the wire format: two timestamps that round-trip through
// serialization must compare equal.
type DateTime int64

// DateTimeFromTime truncates a time.Time to microsecond precision
func DateTimeFromTime(t time.Time) DateTime {
	return DateTime(t.UnixMicro())
}

// DateTimeNow returns the current wall-clock time. Components with a
// mockable clock take it as a function instead (see certif.NewOpsWithClock).
func DateTimeNow() DateTime {
	return DateTimeFromTime(time.Now())
}

// Time converts back to a time.Time in UTC
func (dt DateTime) Time() time.Time {
	return time.UnixMicro(int64(dt)).UTC()
}

// Add returns the timestamp shifted by d
func (dt DateTime) Add(d time.Duration) DateTime {
	return dt + DateTime(d.Microseconds())
}

// Sub returns the duration between two timestamps
func (dt DateTime) Sub(other DateTime) time.Duration {
	return time.Duration(int64(dt)-int64(other)) * time.Microsecond
}

// Before reports whether dt is strictly earlier than other
func (dt DateTime) Before(other DateTime) bool { return dt < other }

// After reports whether dt is strictly later than other
func (dt DateTime) After(other DateTime) bool { return dt > other }

// IsZero reports whether the timestamp is unset
func (dt DateTime) IsZero() bool { return dt == 0 }

func (dt DateTime) String() string {
	return dt.Time().Format(time.RFC3339Nano)
}
