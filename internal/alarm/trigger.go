// Package alarm turns stored alarms into wall-clock triggers and handles
// what happens when one fires.
//
// The [Scheduler] owns the mapping from alarm id to pending trigger and
// delegates the actual timekeeping to a [Registrar]. When a trigger fires the
// alarm is re-armed for the following day and the [FireFunc] (normally
// [Dispatcher.Fire]) is invoked.
package alarm

import "time"

// NextTrigger returns the next instant at hour:minute:00 in now's location.
// The candidate is today; if it is at or before now it is moved to tomorrow.
// It never advances more than one day.
func NextTrigger(hour, minute int, now time.Time) time.Time {
	y, m, d := now.Date()
	candidate := time.Date(y, m, d, hour, minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
