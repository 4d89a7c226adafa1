package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/exnus/points-miner/internal/config"
	"github.com/exnus/points-miner/internal/util"
)

// dialect captures the differences between the supported SQL engines
type dialect struct {
	name       string
	driver     string
	seqColumn  string
	lockSuffix string
	positional bool
}

var (
	dialectPostgres = dialect{
		name:       "postgres",
		driver:     "pgx",
		seqColumn:  "seq BIGSERIAL PRIMARY KEY",
		lockSuffix: " FOR UPDATE",
		positional: true,
	}
	dialectSQLite = dialect{
		name:      "sqlite",
		driver:    "sqlite",
		seqColumn: "seq INTEGER PRIMARY KEY AUTOINCREMENT",
	}
)

// rebind rewrites ? placeholders to $n for engines that need positional parameters
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const userColumns = `wallet_address, points, mining_end_ms, task1, task2, task3, referral_code,
	referred_by, referred_users_count, referral_bonus, referral_bonus_processed, last_claimed_ms,
	username, created_ms`

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS points_users (
	` + d.seqColumn + `,
	wallet_address TEXT NOT NULL UNIQUE,
	points BIGINT NOT NULL DEFAULT 0,
	mining_end_ms BIGINT,
	task1 BOOLEAN NOT NULL DEFAULT FALSE,
	task2 BOOLEAN NOT NULL DEFAULT FALSE,
	task3 BOOLEAN NOT NULL DEFAULT FALSE,
	referral_code TEXT NOT NULL UNIQUE,
	referred_by TEXT,
	referred_users_count BIGINT NOT NULL DEFAULT 0,
	referral_bonus BIGINT NOT NULL DEFAULT 0,
	referral_bonus_processed BOOLEAN NOT NULL DEFAULT FALSE,
	last_claimed_ms BIGINT,
	username TEXT NOT NULL,
	created_ms BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS points_users_points_idx ON points_users (points DESC, seq)`,
		`CREATE INDEX IF NOT EXISTS points_users_mining_idx ON points_users (mining_end_ms)`,
	}
}

// SQLStore keeps users in a table through database/sql with hand-written queries.
// Timestamps are stored as unix milliseconds.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLStore opens the database and creates the schema
func NewSQLStore(ctx context.Context, cfg config.DBConfig) (*SQLStore, error) {
	var d dialect
	switch cfg.Driver {
	case "postgres":
		d = dialectPostgres
	case "sqlite":
		d = dialectSQLite
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, unavailable("sql open", err)
	}

	if d.name == "sqlite" {
		// One writer at a time; in-memory databases are also private to a connection
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("sql ping", err)
	}

	s := &SQLStore{db: db, dialect: d}
	for _, stmt := range d.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, unavailable("sql migrate", err)
		}
	}

	util.Infof("Connected to %s through database/sql", d.name)
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func msToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func timeToMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func scanUser(row rowScanner) (int64, *User, error) {
	var (
		seq         int64
		u           User
		miningEnd   sql.NullInt64
		lastClaimed sql.NullInt64
		referredBy  sql.NullString
		createdMs   int64
	)
	err := row.Scan(&seq, &u.WalletAddress, &u.Points, &miningEnd,
		&u.TasksCompleted.Telegram, &u.TasksCompleted.Discord, &u.TasksCompleted.X,
		&u.ReferralCode, &referredBy, &u.ReferredUsersCount, &u.ReferralBonus,
		&u.ReferralBonusProcessed, &lastClaimed, &u.Username, &createdMs)
	if err != nil {
		return 0, nil, err
	}

	u.MiningEndTime = msToTime(miningEnd)
	u.LastClaimed = msToTime(lastClaimed)
	if referredBy.Valid {
		r := referredBy.String
		u.ReferredBy = &r
	}
	u.CreatedAt = time.UnixMilli(createdMs).UTC()
	return seq, &u, nil
}

func (s *SQLStore) selectUser(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, where string, lock bool, args ...any) (int64, *User, error) {
	query := "SELECT seq, " + userColumns + " FROM points_users WHERE " + where
	if lock {
		query += s.dialect.lockSuffix
	}
	seq, u, err := scanUser(q.QueryRowContext(ctx, s.dialect.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	return seq, u, err
}

// inTx runs fn in a transaction, committing when fn returns nil
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetOrCreate returns the user for address, creating it on first use
func (s *SQLStore) GetOrCreate(ctx context.Context, address, referralCode string) (*User, error) {
	if err := checkAddress(address); err != nil {
		return nil, err
	}

	for {
		var result *User
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			_, existing, err := s.selectUser(ctx, tx, "wallet_address = ?", false, address)
			if err == nil {
				result = existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}

			code, err := uniqueReferralCode(ctx, func(code string) (bool, error) {
				var n int64
				err := tx.QueryRowContext(ctx,
					s.dialect.rebind("SELECT COUNT(*) FROM points_users WHERE referral_code = ?"), code).Scan(&n)
				return n > 0, err
			})
			if err != nil {
				return err
			}

			u := newUser(address, code, time.Now())

			var referrerSeq int64
			if referralCode != "" {
				seq, owner, err := s.selectUser(ctx, tx, "referral_code = ?", true, referralCode)
				switch {
				case errors.Is(err, ErrNotFound):
				case err != nil:
					return err
				case owner.WalletAddress != address:
					u.ReferredBy = &owner.WalletAddress
					referrerSeq = seq
				}
			}

			var referredBy sql.NullString
			if u.ReferredBy != nil {
				referredBy = sql.NullString{String: *u.ReferredBy, Valid: true}
			}
			res, err := tx.ExecContext(ctx, s.dialect.rebind(
				"INSERT INTO points_users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING"),
				u.WalletAddress, u.Points, timeToMs(u.MiningEndTime),
				u.TasksCompleted.Telegram, u.TasksCompleted.Discord, u.TasksCompleted.X,
				u.ReferralCode, referredBy, u.ReferredUsersCount, u.ReferralBonus,
				u.ReferralBonusProcessed, timeToMs(u.LastClaimed), u.Username, u.CreatedAt.UnixMilli())
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				// Lost a race: either the address or the code was taken meanwhile
				if _, existing, err := s.selectUser(ctx, tx, "wallet_address = ?", false, address); err == nil {
					result = existing
					return nil
				}
				return errDuplicateReferralCode
			}

			if referrerSeq != 0 {
				_, err := tx.ExecContext(ctx, s.dialect.rebind(
					"UPDATE points_users SET referred_users_count = referred_users_count + 1 WHERE seq = ?"), referrerSeq)
				if err != nil {
					return err
				}
			}

			result = u
			return nil
		})

		if errors.Is(err, errDuplicateReferralCode) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, unavailable("create user", err)
		}
		return result, nil
	}
}

// Get returns the user for address
func (s *SQLStore) Get(ctx context.Context, address string) (*User, error) {
	_, u, err := s.selectUser(ctx, s.db, "wallet_address = ?", false, address)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, unavailable("get user", err)
	}
	return u, err
}

// Update applies mutate to the row inside one transaction
func (s *SQLStore) Update(ctx context.Context, address string, mutate Mutation) (*User, error) {
	var result *User
	var domainErr error

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		seq, current, err := s.selectUser(ctx, tx, "wallet_address = ?", true, address)
		if errors.Is(err, ErrNotFound) {
			domainErr = err
			return err
		}
		if err != nil {
			return err
		}

		next, err := applyMutation(current, mutate)
		if err != nil {
			domainErr = err
			return err
		}

		_, err = tx.ExecContext(ctx, s.dialect.rebind(`UPDATE points_users SET
	points = ?, mining_end_ms = ?, task1 = ?, task2 = ?, task3 = ?,
	referred_users_count = ?, referral_bonus = ?, referral_bonus_processed = ?, last_claimed_ms = ?
WHERE seq = ?`),
			next.Points, timeToMs(next.MiningEndTime),
			next.TasksCompleted.Telegram, next.TasksCompleted.Discord, next.TasksCompleted.X,
			next.ReferredUsersCount, next.ReferralBonus, next.ReferralBonusProcessed,
			timeToMs(next.LastClaimed), seq)
		if err != nil {
			return err
		}
		result = next
		return nil
	})

	if domainErr != nil {
		return nil, domainErr
	}
	if err != nil {
		return nil, unavailable("update user", err)
	}
	return result, nil
}

func (s *SQLStore) query(ctx context.Context, order string, limit int) ([]*User, error) {
	query := "SELECT seq, " + userColumns + " FROM points_users ORDER BY " + order
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		_, u, err := scanUser(rows)
		if err != nil {
			return nil, unavailable("scan user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list users", err)
	}
	return users, nil
}

// Leaderboard returns users by points descending, ties in creation order
func (s *SQLStore) Leaderboard(ctx context.Context, limit int) ([]*User, error) {
	return s.query(ctx, "points DESC, seq ASC", limit)
}

// TotalPoints sums points over every user
func (s *SQLStore) TotalPoints(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(points), 0) FROM points_users").Scan(&total)
	if err != nil {
		return 0, unavailable("total points", err)
	}
	return total, nil
}

// ActiveMinerCount counts sessions ending after now
func (s *SQLStore) ActiveMinerCount(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind("SELECT COUNT(*) FROM points_users WHERE mining_end_ms > ?"), now.UnixMilli()).Scan(&count)
	if err != nil {
		return 0, unavailable("active miners", err)
	}
	return count, nil
}

// AllUsers returns every user in creation order
func (s *SQLStore) AllUsers(ctx context.Context) ([]*User, error) {
	return s.query(ctx, "seq ASC", 0)
}

// Close closes the connection pool
func (s *SQLStore) Close() error {
	return s.db.Close()
}
