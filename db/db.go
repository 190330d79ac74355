// Package db provides the Postgres connection, schema migration, the
// live-status State Store and the read side of the entity catalog.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"
	"github.com/codeGROOVE-dev/retry"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/live-herald/live"
)

// Connect opens a Postgres pool for dsn.
func Connect(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Store is the State Store and catalog reader. Every write runs in a
// serializable transaction retried on serialization failure or deadlock.
type Store struct {
	DB     *sql.DB
	Logger *slog.Logger
	// Attempts and RetryDelay bound the contention retry.
	Attempts   uint
	RetryDelay time.Duration
}

// NewStore returns a store retrying contended transactions 3 times.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{DB: db, Logger: logger, Attempts: 3, RetryDelay: 25 * time.Millisecond}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// inTx runs fn in a serializable transaction. Contention errors restart the
// whole transaction; anything else aborts immediately.
func (s *Store) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	attempts := s.Attempts
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(
		func() error {
			tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
			if err != nil {
				return classifyTx(err)
			}
			if err := fn(tx); err != nil {
				_ = tx.Rollback()
				return classifyTx(err)
			}
			return classifyTx(tx.Commit())
		},
		retry.Attempts(attempts),
		retry.Delay(s.RetryDelay),
		retry.MaxDelay(4*s.RetryDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.Logger.Debug("retrying contended transaction", slog.String("component", "db"), slog.String("op", op), slog.Uint64("attempt", uint64(n+1)), slog.Any("err", err))
		}),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func classifyTx(err error) error {
	if err == nil || live.Classify(err) == live.ClassContention {
		return err
	}
	return retry.Unrecoverable(err)
}

// ListTrackedEntities returns every tracked entity with its identities.
func (s *Store) ListTrackedEntities(ctx context.Context) ([]live.Entity, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT e.id, e.display_name, e.tier, e.member_ref, i.platform, i.handle, i.channel_ref
		FROM tracked_entities e
		LEFT JOIN platform_identities i ON i.entity_id = e.id
		ORDER BY e.id, i.platform`)
	if err != nil {
		return nil, fmt.Errorf("list tracked entities: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.Logger.Warn("close rows", slog.Any("err", cerr))
		}
	}()

	var out []live.Entity
	for rows.Next() {
		var (
			e                         live.Entity
			tier                      string
			platform, handle, channel sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.DisplayName, &tier, &e.MemberRef, &platform, &handle, &channel); err != nil {
			return nil, fmt.Errorf("scan tracked entity: %w", err)
		}
		e.Tier = live.Tier(tier)
		if n := len(out); n == 0 || out[n-1].ID != e.ID {
			out = append(out, e)
		}
		if platform.Valid {
			cur := &out[len(out)-1]
			cur.Identities = append(cur.Identities, live.Identity{
				EntityID:   e.ID,
				Platform:   live.Platform(platform.String),
				Handle:     handle.String,
				ChannelRef: channel.String,
			})
		}
	}
	return out, rows.Err()
}

// ListSubscriptions returns the private-notification subscriptions for entityID.
func (s *Store) ListSubscriptions(ctx context.Context, entityID string) ([]live.Subscription, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT subscriber_id, platform FROM subscriptions
		WHERE entity_id = $1 ORDER BY subscriber_id, platform`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var out []live.Subscription
	for rows.Next() {
		sub := live.Subscription{EntityID: entityID}
		var p string
		if err := rows.Scan(&sub.SubscriberID, &p); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Platform = live.Platform(p)
		out = append(out, sub)
	}
	return out, rows.Err()
}

const recordColumns = `entity_id, platform, is_live, last_notified_date, session_start, message_channel_ref, message_ref, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (live.Record, error) {
	var (
		r          live.Record
		platform   string
		notified   sql.NullTime
		start      sql.NullTime
		chRef, ref sql.NullString
	)
	if err := row.Scan(&r.EntityID, &platform, &r.IsLive, &notified, &start, &chRef, &ref, &r.UpdatedAt); err != nil {
		return live.Record{}, err
	}
	r.Platform = live.Platform(platform)
	if notified.Valid {
		r.LastNotified = civil.DateOf(notified.Time)
	}
	if start.Valid {
		t := start.Time
		r.SessionStart = &t
	}
	if ref.Valid {
		r.Message = &live.MessageHandle{ChannelRef: chRef.String, MessageRef: ref.String}
	}
	return r, nil
}

// Get returns the record for key. A missing record is the zero record
// (offline, never notified).
func (s *Store) Get(ctx context.Context, key live.Key) (live.Record, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM live_status WHERE entity_id = $1 AND platform = $2`,
		key.EntityID, string(key.Platform))
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return live.Record{EntityID: key.EntityID, Platform: key.Platform}, nil
	}
	if err != nil {
		return live.Record{}, fmt.Errorf("get live status %s: %w", key, err)
	}
	return r, nil
}

func (s *Store) listRecords(ctx context.Context, where string) ([]live.Record, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+recordColumns+` FROM live_status WHERE `+where+` ORDER BY entity_id, platform`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // read-only cursor
	var out []live.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListLive returns the records currently live.
func (s *Store) ListLive(ctx context.Context) ([]live.Record, error) {
	out, err := s.listRecords(ctx, `is_live`)
	if err != nil {
		return nil, fmt.Errorf("list live: %w", err)
	}
	return out, nil
}

// ListOrphanedMessages returns offline records still holding a message handle.
func (s *Store) ListOrphanedMessages(ctx context.Context) ([]live.Record, error) {
	out, err := s.listRecords(ctx, `NOT is_live AND message_ref IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list orphaned messages: %w", err)
	}
	return out, nil
}

// MarkNotified sets the pair live with today's notification date and a new
// session start.
func (s *Store) MarkNotified(ctx context.Context, key live.Key, today civil.Date, at time.Time) error {
	return s.inTx(ctx, "mark notified", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO live_status (entity_id, platform, is_live, last_notified_date, session_start, updated_at)
			VALUES ($1, $2, TRUE, $3, $4, $4)
			ON CONFLICT (entity_id, platform) DO UPDATE SET
				is_live = TRUE,
				last_notified_date = EXCLUDED.last_notified_date,
				session_start = EXCLUDED.session_start,
				updated_at = EXCLUDED.updated_at`,
			key.EntityID, string(key.Platform), today.In(time.UTC), at)
		return err
	})
}

// SetMessage stores h as the outstanding message for key; nil clears it.
func (s *Store) SetMessage(ctx context.Context, key live.Key, h *live.MessageHandle) error {
	var chRef, ref sql.NullString
	if h != nil {
		chRef = sql.NullString{String: h.ChannelRef, Valid: true}
		ref = sql.NullString{String: h.MessageRef, Valid: true}
	}
	return s.inTx(ctx, "set message", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO live_status (entity_id, platform, message_channel_ref, message_ref, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (entity_id, platform) DO UPDATE SET
				message_channel_ref = EXCLUDED.message_channel_ref,
				message_ref = EXCLUDED.message_ref,
				updated_at = NOW()`,
			key.EntityID, string(key.Platform), chRef, ref)
		return err
	})
}

// MarkOffline sets the pair offline, clearing the message handle when
// clearMessage is true.
func (s *Store) MarkOffline(ctx context.Context, key live.Key, clearMessage bool) error {
	return s.inTx(ctx, "mark offline", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE live_status SET
				is_live = FALSE,
				session_start = NULL,
				message_channel_ref = CASE WHEN $3 THEN NULL ELSE message_channel_ref END,
				message_ref = CASE WHEN $3 THEN NULL ELSE message_ref END,
				updated_at = NOW()
			WHERE entity_id = $1 AND platform = $2`,
			key.EntityID, string(key.Platform), clearMessage)
		return err
	})
}

// ClearMessage drops h from an offline record if it is still the stored handle.
func (s *Store) ClearMessage(ctx context.Context, key live.Key, h live.MessageHandle) error {
	return s.inTx(ctx, "clear message", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE live_status SET message_channel_ref = NULL, message_ref = NULL, updated_at = NOW()
			WHERE entity_id = $1 AND platform = $2 AND NOT is_live
				AND message_channel_ref = $3 AND message_ref = $4`,
			key.EntityID, string(key.Platform), h.ChannelRef, h.MessageRef)
		return err
	})
}

// AnyLive reports whether any platform of entityID is live.
func (s *Store) AnyLive(ctx context.Context, entityID string) (bool, error) {
	var found bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM live_status WHERE entity_id = $1 AND is_live)`, entityID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("any live %s: %w", entityID, err)
	}
	return found, nil
}

// BumpStreak advances the daily streak of entityID for today and returns it:
// unchanged when already counted today, +1 when the last live day was
// yesterday, otherwise restarted at 1.
func (s *Store) BumpStreak(ctx context.Context, entityID string, today civil.Date) (int, error) {
	var streak int
	err := s.inTx(ctx, "bump streak", func(tx *sql.Tx) error {
		var (
			cur  int
			last sql.NullTime
		)
		err := tx.QueryRowContext(ctx, `SELECT current_streak, last_live_date FROM daily_streaks WHERE entity_id = $1 FOR UPDATE`, entityID).Scan(&cur, &last)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		streak = nextStreak(cur, last, today)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO daily_streaks (entity_id, current_streak, last_live_date) VALUES ($1, $2, $3)
			ON CONFLICT (entity_id) DO UPDATE SET current_streak = EXCLUDED.current_streak, last_live_date = EXCLUDED.last_live_date`,
			entityID, streak, today.In(time.UTC))
		return err
	})
	return streak, err
}

func nextStreak(cur int, last sql.NullTime, today civil.Date) int {
	if !last.Valid {
		return 1
	}
	lastDay := civil.DateOf(last.Time)
	switch {
	case lastDay == today:
		if cur < 1 {
			return 1
		}
		return cur
	case lastDay.AddDays(1) == today:
		return cur + 1
	default:
		return 1
	}
}

// SetKV upserts a key/value pair.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}

// GetKV returns the value for key and whether it exists.
func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	var v sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get kv %s: %w", key, err)
	}
	return v.String, true, nil
}
