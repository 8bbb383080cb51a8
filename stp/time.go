package stp

import (
	"time"
)

// MaxClockSkew bounds how far a peer's introduction timestamp may drift from
// the local clock.
const MaxClockSkew = 5 * time.Minute

var stampEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Stamp is the timestamp of an introduction: whole seconds since
// 2025-01-01 UTC.
type Stamp uint32

func StampOf(t time.Time) Stamp {
	return Stamp(t.Sub(stampEpoch) / time.Second)
}

func (s Stamp) Time() time.Time {
	return stampEpoch.Add(time.Duration(s) * time.Second)
}

func (s Stamp) String() string {
	return s.Time().Format(time.DateTime)
}

// Within reports whether s is less than skew away from now, in either
// direction.
func (s Stamp) Within(now time.Time, skew time.Duration) bool {
	d := s.Time().Sub(now.Truncate(time.Second))
	return d > -skew && d < skew
}
