package ledger

import "time"

// Entry is the penalty state for one key.
type Entry struct {
	Strikes        int
	NextEligibleAt time.Time
}

// Schedule maps a strike count (starting at 1) onto a penalty duration.
type Schedule interface {
	Delay(strikes int) time.Duration
}

type escalating []time.Duration

func (e escalating) Delay(strikes int) time.Duration {
	if len(e) == 0 {
		return 0
	}
	if strikes < 1 {
		strikes = 1
	}
	if strikes > len(e) {
		return e[len(e)-1]
	}
	return e[strikes-1]
}

// Escalating uses steps[n-1] for the nth strike and the last step past the end.
func Escalating(steps ...time.Duration) Schedule { return escalating(steps) }

type fixed time.Duration

func (f fixed) Delay(int) time.Duration { return time.Duration(f) }

// Fixed applies d regardless of the strike count.
func Fixed(d time.Duration) Schedule { return fixed(d) }

// BlockSchedule is the anti-bot penalty: 5, 15, 30, then 60 minutes.
var BlockSchedule = Escalating(5*time.Minute, 15*time.Minute, 30*time.Minute, 60*time.Minute)

// QuotaSchedule is the metered-API exhaustion penalty.
var QuotaSchedule = Fixed(30 * time.Minute)

// RateLimitSchedule pauses a handle after an upstream 429.
var RateLimitSchedule = Fixed(2 * time.Minute)

// Backoff is a penalty box over a namespace of a Store. Strike counts grow until
// Reset; time alone only makes a key eligible again.
type Backoff struct {
	store    *Store
	prefix   string
	schedule Schedule
}

// NewBackoff returns a ledger scoped under namespace using schedule.
func NewBackoff(store *Store, namespace string, schedule Schedule) *Backoff {
	return &Backoff{store: store, prefix: "backoff:" + namespace + ":", schedule: schedule}
}

// Lookup returns the entry for key, if any.
func (b *Backoff) Lookup(key string) (Entry, bool) {
	v, ok := b.store.get(b.prefix + key)
	if !ok {
		return Entry{}, false
	}
	e, ok := v.(Entry)
	return e, ok
}

// Eligible reports whether key may be probed at now.
func (b *Backoff) Eligible(key string, now time.Time) bool {
	e, ok := b.Lookup(key)
	if !ok {
		return true
	}
	return !now.Before(e.NextEligibleAt)
}

// Strike records a hard failure for key at now and returns the new entry.
func (b *Backoff) Strike(key string, now time.Time) Entry {
	v := b.store.update(b.prefix+key, func(cur any, ok bool) any {
		var e Entry
		if ok {
			e, _ = cur.(Entry)
		}
		e.Strikes++
		next := now.Add(b.schedule.Delay(e.Strikes))
		if next.After(e.NextEligibleAt) {
			e.NextEligibleAt = next
		}
		return e
	})
	return v.(Entry)
}

// Reset clears key after a success.
func (b *Backoff) Reset(key string) { b.store.remove(b.prefix + key) }
