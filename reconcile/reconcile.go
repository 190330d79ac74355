// Package reconcile turns an observation and the stored live status of an
// (entity, platform) pair into the action the dispatcher should take.
package reconcile

import (
	"cloud.google.com/go/civil"

	"github.com/onnwee/live-herald/live"
)

// Decide is pure: identical inputs always yield the same action.
//
// A live observation notifies when the pair was offline or was last notified
// on an earlier day, so one unbroken session notifies once per day. An
// offline observation retracts only a pair stored as live. Unknown never acts.
func Decide(stored live.Record, obs live.Observation, today civil.Date) live.Action {
	switch obs.Status {
	case live.StatusLive:
		if !stored.IsLive || stored.LastNotified != today {
			return live.ActionNotify
		}
		return live.ActionNoOp
	case live.StatusOffline:
		if stored.IsLive {
			return live.ActionGoOffline
		}
		return live.ActionNoOp
	default:
		return live.ActionNoOp
	}
}

// Apply returns the record a dispatcher leaves behind after executing action.
// It mirrors the state transitions of the dispatcher and lets callers reason
// about sequences of ticks without a store.
func Apply(stored live.Record, action live.Action, today civil.Date) live.Record {
	switch action {
	case live.ActionNotify:
		stored.IsLive = true
		stored.LastNotified = today
	case live.ActionGoOffline:
		stored.IsLive = false
		stored.SessionStart = nil
	}
	return stored
}
