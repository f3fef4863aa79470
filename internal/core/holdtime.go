package core

import "time"

// Relative hold/retain keywords. Each maps to the next qualifying
// wall-clock boundary in local time:
//
//	day-time     next 06:00, immediate between 06:00 and 18:00
//	evening      next 18:00, immediate before 06:00 or from 18:00 on
//	night        alias for evening
//	second-shift next 16:00, immediate from 16:00 on
//	third-shift  next 00:00, immediate before 08:00
//	weekend      next Saturday 00:00, immediate on Saturday/Sunday
//
// An unrecognized or absent keyword means an indefinite hold.
const (
	HoldIndefinite  = "indefinite"
	HoldDayTime     = "day-time"
	HoldEvening     = "evening"
	HoldNight       = "night"
	HoldSecondShift = "second-shift"
	HoldThirdShift  = "third-shift"
	HoldWeekend     = "weekend"
	HoldNoHold      = "no-hold"
)

// HoldKeywords lists the relative-time keywords accepted by hold and
// retain operations.
var HoldKeywords = []string{
	HoldIndefinite,
	HoldDayTime,
	HoldEvening,
	HoldNight,
	HoldSecondShift,
	HoldThirdShift,
	HoldWeekend,
	HoldNoHold,
}

// HoldUntilTime resolves a relative keyword against now. The boolean is
// false when the keyword means an indefinite hold (including unknown
// keywords). Boundaries are built with time.Date in now's location, so
// DST transitions shift the wall clock rather than the offset math.
func HoldUntilTime(keyword string, now time.Time) (time.Time, bool) {
	y, m, d := now.Date()
	hour := now.Hour()
	at := func(day int, h int) time.Time {
		return time.Date(y, m, d+day, h, 0, 0, 0, now.Location())
	}

	switch keyword {
	case HoldNoHold:
		return now, true

	case HoldDayTime:
		// Day shift runs 06:00-18:00.
		switch {
		case hour >= 6 && hour < 18:
			return now, true
		case hour < 6:
			return at(0, 6), true
		default:
			return at(1, 6), true
		}

	case HoldEvening, HoldNight:
		// Evening shift runs 18:00-06:00.
		if hour < 6 || hour >= 18 {
			return now, true
		}
		return at(0, 18), true

	case HoldSecondShift:
		// Second shift runs 16:00-24:00.
		if hour >= 16 {
			return now, true
		}
		return at(0, 16), true

	case HoldThirdShift:
		// Third shift runs 00:00-08:00.
		if hour < 8 {
			return now, true
		}
		return at(1, 0), true

	case HoldWeekend:
		wd := now.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			return now, true
		}
		return at(int(time.Saturday-wd), 0), true

	default:
		return time.Time{}, false
	}
}

// IsHoldKeyword reports whether keyword is one of the recognized
// relative-time keywords.
func IsHoldKeyword(keyword string) bool {
	for _, k := range HoldKeywords {
		if k == keyword {
			return true
		}
	}
	return false
}
