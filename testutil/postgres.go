package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/live-herald/db"
	"github.com/onnwee/live-herald/live"
)

// SetupTestDB opens TEST_PG_DSN with the schema applied and every table
// emptied. It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	ctx := context.Background()
	if err := db.Migrate(ctx, database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.ExecContext(ctx, `TRUNCATE tracked_entities, kv CASCADE`); err != nil {
		database.Close()
		t.Fatalf("failed to truncate tables: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// SeedEntity inserts e and its identities into the catalog tables.
func SeedEntity(t *testing.T, database *sql.DB, e live.Entity) {
	t.Helper()
	ctx := context.Background()
	if _, err := database.ExecContext(ctx,
		`INSERT INTO tracked_entities (id, display_name, tier, member_ref) VALUES ($1, $2, $3, $4)`,
		e.ID, e.DisplayName, string(e.Tier), e.MemberRef); err != nil {
		t.Fatalf("seed entity %s: %v", e.ID, err)
	}
	for _, id := range e.Identities {
		if _, err := database.ExecContext(ctx,
			`INSERT INTO platform_identities (entity_id, platform, handle, channel_ref) VALUES ($1, $2, $3, $4)`,
			e.ID, string(id.Platform), id.Handle, id.ChannelRef); err != nil {
			t.Fatalf("seed identity %s/%s: %v", e.ID, id.Platform, err)
		}
	}
}
