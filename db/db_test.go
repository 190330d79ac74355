package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onnwee/live-herald/live"
)

func TestNextStreak(t *testing.T) {
	today := civil.Date{Year: 2024, Month: time.March, Day: 10}
	at := func(d civil.Date) sql.NullTime { return sql.NullTime{Time: d.In(time.UTC), Valid: true} }
	tests := []struct {
		name string
		cur  int
		last sql.NullTime
		want int
	}{
		{"first live", 0, sql.NullTime{}, 1},
		{"same day unchanged", 4, at(today), 4},
		{"yesterday extends", 4, at(today.AddDays(-1)), 5},
		{"gap restarts", 4, at(today.AddDays(-2)), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextStreak(tt.cur, tt.last, today); got != tt.want {
				t.Errorf("nextStreak() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestClassifyTx(t *testing.T) {
	if classifyTx(nil) != nil {
		t.Error("nil should stay nil")
	}
	contention := &pgconn.PgError{Code: "40001"}
	if err := classifyTx(contention); !errors.Is(err, contention) || live.Classify(err) != live.ClassContention {
		t.Errorf("contention should pass through, got %v", err)
	}
	if err := classifyTx(&pgconn.PgError{Code: "23505"}); err == nil {
		t.Error("unique violation dropped")
	}
}

// openTestStore connects to TEST_PG_DSN with a freshly migrated schema.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres store test")
	}
	database, err := Connect(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	ctx := context.Background()
	cleanDatabase(t, ctx, database)
	if err := Migrate(ctx, database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(database, nil)
}

func seedCatalog(t *testing.T, s *Store) {
	t.Helper()
	stmts := []string{
		`INSERT INTO tracked_entities (id, display_name, tier, member_ref) VALUES ('e1', 'Karma', 'privileged', 'u1'), ('e2', 'Nova', 'standard', '')`,
		`INSERT INTO platform_identities (entity_id, platform, handle, channel_ref) VALUES
			('e1', 'twitch', 'karma', 'c1'), ('e1', 'youtube', '@karma', 'c1')`,
		`INSERT INTO subscriptions (subscriber_id, entity_id, platform) VALUES ('s1', 'e1', 'all'), ('s2', 'e1', 'twitch')`,
	}
	for _, q := range stmts {
		if _, err := s.DB.Exec(q); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestStore_Catalog(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	entities, err := s.ListTrackedEntities(ctx)
	if err != nil {
		t.Fatalf("ListTrackedEntities() error = %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("entities = %d, want 2", len(entities))
	}
	if e := entities[0]; e.ID != "e1" || !e.Privileged() || e.MemberRef != "u1" || len(e.Identities) != 2 {
		t.Errorf("e1 = %+v", e)
	}
	if e := entities[1]; e.ID != "e2" || len(e.Identities) != 0 {
		t.Errorf("e2 = %+v", e)
	}

	subs, err := s.ListSubscriptions(ctx, "e1")
	if err != nil {
		t.Fatalf("ListSubscriptions() error = %v", err)
	}
	if len(subs) != 2 || !subs[0].Matches(live.PlatformYouTube) || subs[1].Matches(live.PlatformYouTube) {
		t.Errorf("subs = %+v", subs)
	}
}

func TestStore_LiveStatusLifecycle(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()
	key := live.Key{EntityID: "e1", Platform: live.PlatformTwitch}
	today := civil.Date{Year: 2024, Month: time.March, Day: 10}
	at := time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC)

	r, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if r.IsLive || !r.LastNotified.IsZero() || r.Message != nil {
		t.Fatalf("missing record = %+v, want zero", r)
	}

	if err := s.MarkNotified(ctx, key, today, at); err != nil {
		t.Fatalf("MarkNotified() error = %v", err)
	}
	h := &live.MessageHandle{ChannelRef: "c1", MessageRef: "m1"}
	if err := s.SetMessage(ctx, key, h); err != nil {
		t.Fatalf("SetMessage() error = %v", err)
	}
	r, _ = s.Get(ctx, key)
	if !r.IsLive || r.LastNotified != today || r.SessionStart == nil || !r.SessionStart.Equal(at) || r.Message == nil || *r.Message != *h {
		t.Fatalf("after notify = %+v", r)
	}
	if ok, _ := s.AnyLive(ctx, "e1"); !ok {
		t.Error("AnyLive() = false while live")
	}
	if recs, _ := s.ListLive(ctx); len(recs) != 1 {
		t.Errorf("ListLive() = %d records", len(recs))
	}

	// Transient delete failure keeps the handle for cleanup.
	if err := s.MarkOffline(ctx, key, false); err != nil {
		t.Fatalf("MarkOffline() error = %v", err)
	}
	orphans, err := s.ListOrphanedMessages(ctx)
	if err != nil || len(orphans) != 1 || orphans[0].Message.MessageRef != "m1" {
		t.Fatalf("ListOrphanedMessages() = %+v, %v", orphans, err)
	}
	if ok, _ := s.AnyLive(ctx, "e1"); ok {
		t.Error("AnyLive() = true after offline")
	}

	if err := s.ClearMessage(ctx, key, live.MessageHandle{ChannelRef: "c1", MessageRef: "other"}); err != nil {
		t.Fatal(err)
	}
	if orphans, _ := s.ListOrphanedMessages(ctx); len(orphans) != 1 {
		t.Error("ClearMessage removed a non-matching handle")
	}
	if err := s.ClearMessage(ctx, key, *h); err != nil {
		t.Fatal(err)
	}
	r, _ = s.Get(ctx, key)
	if r.Message != nil || r.IsLive || r.LastNotified != today {
		t.Errorf("after clear = %+v", r)
	}
}

func TestStore_BumpStreak(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()
	day := civil.Date{Year: 2024, Month: time.March, Day: 10}

	for i, tc := range []struct {
		day  civil.Date
		want int
	}{
		{day, 1},
		{day, 1},
		{day.AddDays(1), 2},
		{day.AddDays(2), 3},
		{day.AddDays(5), 1},
	} {
		got, err := s.BumpStreak(ctx, "e1", tc.day)
		if err != nil {
			t.Fatalf("BumpStreak #%d error = %v", i, err)
		}
		if got != tc.want {
			t.Errorf("BumpStreak #%d = %d, want %d", i, got, tc.want)
		}
	}
}

func TestStore_ContendedWritesConverge(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	s.Attempts = 10
	ctx := context.Background()
	key := live.Key{EntityID: "e1", Platform: live.PlatformTwitch}
	today := civil.Date{Year: 2024, Month: time.March, Day: 10}

	if err := s.MarkNotified(ctx, key, today, time.Now()); err != nil {
		t.Fatal(err)
	}
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() { errs <- s.MarkNotified(ctx, key, today, time.Now()) }()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Errorf("MarkNotified() error = %v", err)
		}
	}
	if r, _ := s.Get(ctx, key); !r.IsLive {
		t.Error("record not live after concurrent writes")
	}
}

func TestStore_KV(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, ok, err := s.GetKV(ctx, "job_live_tick_last"); ok || err != nil {
		t.Fatalf("GetKV(missing) = %v, %v", ok, err)
	}
	if err := s.SetKV(ctx, "job_live_tick_last", "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetKV(ctx, "job_live_tick_last", "b"); err != nil {
		t.Fatal(err)
	}
	if v, ok, err := s.GetKV(ctx, "job_live_tick_last"); v != "b" || !ok || err != nil {
		t.Errorf("GetKV() = %q, %v, %v", v, ok, err)
	}
}
