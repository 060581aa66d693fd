// Package clock provides the single monotonic, NTP-immune time source that
// every core event timestamp derives from (spec §3, §9).
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// MonoTime is a host-monotonic nanosecond timestamp. The epoch is process-
// specific and otherwise meaningless: only differences between two MonoTime
// values are ever compared.
type MonoTime uint64

// Sub returns the signed duration t-o. Unlike time.Time.Sub this never
// panics on "negative" results; MonoTime values from the same Source are
// always comparable.
func (t MonoTime) Sub(o MonoTime) time.Duration {
	return time.Duration(int64(t) - int64(o))
}

// Before reports whether t happened strictly before o.
func (t MonoTime) Before(o MonoTime) bool { return int64(t) < int64(o) }

// Source produces MonoTime readings. It wraps a clockwork.Clock so tests can
// substitute a clockwork.FakeClock and advance time deterministically, while
// production code gets a real, monotonic (time.Now() carries a monotonic
// reading in Go) clock.
type Source struct {
	clock clockwork.Clock
	base  time.Time
}

// NewSource constructs a Source. A nil clock defaults to clockwork.NewRealClock().
func NewSource(c clockwork.Clock) *Source {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Source{clock: c, base: c.Now()}
}

// Now returns nanoseconds elapsed since the Source was constructed.
func (s *Source) Now() MonoTime {
	return MonoTime(s.clock.Now().Sub(s.base).Nanoseconds())
}

// FromWallClock converts an absolute wall-clock reading (e.g. a kernel
// SO_TIMESTAMPNS receive timestamp) into this Source's MonoTime base. It is
// only meaningful for timestamps taken from the same clock domain as the
// Source's underlying clockwork.Clock.
func (s *Source) FromWallClock(t time.Time) MonoTime {
	return MonoTime(t.Sub(s.base).Nanoseconds())
}
