package domain

import (
	"errors"
	"fmt"
	"time"
)

// PeriodLayout is the time layout of a rotation period, which doubles as the
// key id.
const PeriodLayout = "2006-01"

// DefaultGracePeriods keeps the previous period's key verifiable.
const DefaultGracePeriods = 1

var ErrInvalidPeriod = errors.New("domain: invalid period")

// PeriodOf returns the rotation period containing t, in UTC.
func PeriodOf(t time.Time) string {
	return t.UTC().Format(PeriodLayout)
}

// ParsePeriod parses a key id back into the first instant of its period.
func ParsePeriod(keyID string) (time.Time, error) {
	t, err := time.Parse(PeriodLayout, keyID)
	if err != nil || t.Format(PeriodLayout) != keyID {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, keyID)
	}
	return t, nil
}

// PeriodsBetween returns how many whole periods from lies before to.
// Negative when from is later than to.
func PeriodsBetween(from, to time.Time) int {
	from, to = from.UTC(), to.UTC()
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}

// Classify places keyID in its lifecycle relative to now. It is a pure
// function: the current period is Active, the grace trailing periods are
// Retiring and everything else, future periods included, is Retired.
// Malformed ids are Retired and reported as ErrInvalidPeriod.
func Classify(keyID string, now time.Time, grace int) (KeyState, error) {
	start, err := ParsePeriod(keyID)
	if err != nil {
		return KeyRetired, err
	}

	switch age := PeriodsBetween(start, now); {
	case age == 0:
		return KeyActive, nil
	case age > 0 && age <= grace:
		return KeyRetiring, nil
	default:
		return KeyRetired, nil
	}
}
