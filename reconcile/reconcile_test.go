package reconcile

import (
	"testing"

	"cloud.google.com/go/civil"

	"github.com/onnwee/live-herald/live"
)

var (
	dayD  = civil.Date{Year: 2024, Month: 5, Day: 10}
	dayD1 = dayD.AddDays(1)
)

func liveObs() live.Observation { return live.Observation{Status: live.StatusLive} }

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		stored live.Record
		obs    live.Observation
		today  civil.Date
		want   live.Action
	}{
		{"offline to live", live.Record{}, liveObs(), dayD, live.ActionNotify},
		{"still live same day", live.Record{IsLive: true, LastNotified: dayD}, liveObs(), dayD, live.ActionNoOp},
		{"still live next day", live.Record{IsLive: true, LastNotified: dayD}, liveObs(), dayD1, live.ActionNotify},
		{"relive same day after offline", live.Record{IsLive: false, LastNotified: dayD}, liveObs(), dayD, live.ActionNotify},
		{"live to offline", live.Record{IsLive: true, LastNotified: dayD}, live.Offline("x"), dayD, live.ActionGoOffline},
		{"offline stays offline", live.Record{}, live.Offline("x"), dayD, live.ActionNoOp},
		{"unknown while live", live.Record{IsLive: true, LastNotified: dayD}, live.Unknown("blocked"), dayD1, live.ActionNoOp},
		{"unknown while offline", live.Record{}, live.Unknown("backoff"), dayD, live.ActionNoOp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.stored, tt.obs, tt.today); got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

// The first sighting notifies, and the next day notifies again
// exactly once.
func TestDecide_DayBoundary(t *testing.T) {
	rec := live.Record{EntityID: "E", Platform: live.PlatformTwitch}

	a := Decide(rec, liveObs(), dayD)
	if a != live.ActionNotify {
		t.Fatalf("day D first tick = %v, want notify", a)
	}
	rec = Apply(rec, a, dayD)
	if !rec.IsLive || rec.LastNotified != dayD {
		t.Fatalf("record after notify = %+v", rec)
	}

	notifies := 0
	for tick := 0; tick < 5; tick++ {
		a := Decide(rec, liveObs(), dayD1)
		if a == live.ActionNotify {
			notifies++
		}
		rec = Apply(rec, a, dayD1)
	}
	if notifies != 1 {
		t.Errorf("notifies on D+1 = %d, want 1", notifies)
	}
}

// Going offline yields exactly one retraction.
func TestDecide_GoOfflineOnce(t *testing.T) {
	rec := live.Record{IsLive: true, LastNotified: dayD, Message: &live.MessageHandle{ChannelRef: "c", MessageRef: "m"}}
	a := Decide(rec, live.Offline("helix"), dayD)
	if a != live.ActionGoOffline {
		t.Fatalf("Decide() = %v, want go_offline", a)
	}
	rec = Apply(rec, a, dayD)
	if a := Decide(rec, live.Offline("helix"), dayD); a != live.ActionNoOp {
		t.Errorf("second offline tick = %v, want noop", a)
	}
}

// A stream observed live on every tick of a day notifies once.
func TestProperty_AtMostOncePerDayWhileLive(t *testing.T) {
	for _, start := range []live.Record{{}, {IsLive: true, LastNotified: dayD}, {IsLive: true, LastNotified: dayD.AddDays(-3)}} {
		rec := start
		notifies := 0
		for tick := 0; tick < 200; tick++ {
			a := Decide(rec, liveObs(), dayD1)
			if a == live.ActionNotify {
				notifies++
			}
			rec = Apply(rec, a, dayD1)
		}
		if notifies != 1 {
			t.Errorf("start %+v: notifies over 200 live ticks = %d, want 1", start, notifies)
		}
	}
}

func TestProperty_ActionsRequireMatchingState(t *testing.T) {
	records := []live.Record{{}, {IsLive: true}, {IsLive: true, LastNotified: dayD}, {LastNotified: dayD}}
	observations := []live.Observation{liveObs(), live.Offline("a"), live.Unknown("b")}
	for _, rec := range records {
		for _, obs := range observations {
			a := Decide(rec, obs, dayD)
			if a == live.ActionNotify && obs.Status != live.StatusLive {
				t.Errorf("Decide(%+v, %v) notified without a live observation", rec, obs.Status)
			}
			if a == live.ActionGoOffline && !rec.IsLive {
				t.Errorf("Decide(%+v, %v) went offline from a non-live record", rec, obs.Status)
			}
		}
	}
}

func TestProperty_Idempotent(t *testing.T) {
	inputs := []struct {
		rec live.Record
		obs live.Observation
	}{
		{live.Record{}, liveObs()},
		{live.Record{IsLive: true, LastNotified: dayD}, live.Offline("x")},
		{live.Record{IsLive: true, LastNotified: dayD}, live.Unknown("x")},
	}
	for _, in := range inputs {
		if Decide(in.rec, in.obs, dayD1) != Decide(in.rec, in.obs, dayD1) {
			t.Errorf("Decide(%+v, %+v) is not stable", in.rec, in.obs)
		}
	}
}

func TestProperty_UnknownNeverActs(t *testing.T) {
	for _, rec := range []live.Record{{}, {IsLive: true}, {IsLive: true, LastNotified: dayD}} {
		for _, day := range []civil.Date{dayD, dayD1} {
			if a := Decide(rec, live.Unknown("blocked"), day); a != live.ActionNoOp {
				t.Errorf("Decide(%+v, unknown, %v) = %v", rec, day, a)
			}
		}
	}
}
