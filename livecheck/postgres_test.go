package livecheck_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"github.com/onnwee/live-herald/db"
	"github.com/onnwee/live-herald/live"
	"github.com/onnwee/live-herald/livecheck"
	"github.com/onnwee/live-herald/notify"
	"github.com/onnwee/live-herald/notify/notifytest"
	"github.com/onnwee/live-herald/testutil"
)

// TestRun_PostgresSession drives a full live session through the postgres
// store. Skipped unless TEST_PG_DSN is set.
func TestRun_PostgresSession(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.SeedEntity(t, database, nova)
	store := db.NewStore(database, slog.Default())

	rec := notifytest.New()
	clock := testutil.NewFakeClock(time.Date(2024, 7, 4, 20, 0, 0, 0, time.UTC))
	prober := &scripted{obs: []live.Observation{liveObs(), liveObs(), live.Offline("helix")}}
	pipe := &livecheck.Pipeline{
		Probers: map[live.Platform]live.Prober{live.PlatformTwitch: prober},
		Store:   store,
		Dispatcher: &notify.Dispatcher{
			Store:       store,
			Subs:        store,
			Messenger:   rec,
			SendTimeout: time.Second,
			RetryDelay:  time.Millisecond,
		},
		Clock: clock,
	}
	ctx := context.Background()

	entities, err := store.ListTrackedEntities(ctx)
	if err != nil || len(entities) != 1 || len(entities[0].Identities) != 1 {
		t.Fatalf("catalog = %+v, err = %v", entities, err)
	}

	for i, want := range []live.Action{live.ActionNotify, live.ActionNoOp, live.ActionGoOffline} {
		res, err := pipe.Run(ctx, job())
		if err != nil {
			t.Fatalf("Run #%d error = %v", i, err)
		}
		if res.Action != want {
			t.Errorf("Run #%d action = %v, want %v", i, res.Action, want)
		}
		if i == 0 {
			r, err := store.Get(ctx, job().Key())
			if err != nil {
				t.Fatal(err)
			}
			if !r.IsLive || r.Message == nil || r.LastNotified == (civil.Date{}) {
				t.Errorf("record after notify = %+v", r)
			}
		}
		clock.Advance(time.Minute)
	}

	r, err := store.Get(ctx, job().Key())
	if err != nil {
		t.Fatal(err)
	}
	if r.IsLive || r.Message != nil {
		t.Errorf("final record = %+v", r)
	}
	if rec.PublicCount() != 1 || rec.DeletedCount() != 1 {
		t.Errorf("public = %d deleted = %d, want 1 and 1", rec.PublicCount(), rec.DeletedCount())
	}
}
