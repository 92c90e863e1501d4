// Package tradingday computes the exchange-local trading day for a UTC
// instant, using a named timezone so the day boundary stays correct across
// DST transitions.
package tradingday

import (
	"fmt"
	"time"
)

// DayStartHour is the local hour (in Zone) at which a new trading day
// begins. Instants before this hour on a given local date belong to the
// previous trading day.
const DayStartHour = 4

// Zone is the exchange timezone used to resolve trading-day boundaries.
var Zone = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("tradingday: cannot load zone %q: %v", name, err))
	}
	return loc
}

// ID returns the canonical trading-day identifier (YYYYMMDD) for the given
// UTC instant.
func ID(instant time.Time) string {
	return dateID(localDate(instant))
}

// Bounds returns the UTC start/end instants of the trading day containing
// instant. The day runs [start, end) where both are DayStartHour local time
// on consecutive local dates.
func Bounds(instant time.Time) (start, end time.Time) {
	d := localDate(instant)
	start = time.Date(d.Year(), d.Month(), d.Day(), DayStartHour, 0, 0, 0, Zone)
	end = start.AddDate(0, 0, 1)
	return start.UTC(), end.UTC()
}

// localDate returns the local calendar date that owns instant under the
// DayStartHour boundary rule.
func localDate(instant time.Time) time.Time {
	local := instant.In(Zone)
	boundary := time.Date(local.Year(), local.Month(), local.Day(), DayStartHour, 0, 0, 0, Zone)
	date := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, Zone)
	if local.Before(boundary) {
		date = date.AddDate(0, 0, -1)
	}
	return date
}

func dateID(d time.Time) string {
	return d.Format("20060102")
}

// Current returns the trading-day identifier for the current instant.
func Current() string {
	return ID(time.Now().UTC())
}
