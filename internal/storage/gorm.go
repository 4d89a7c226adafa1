package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/exnus/points-miner/internal/config"
	"github.com/exnus/points-miner/internal/util"
)

// userRecord is the relational row of a user
type userRecord struct {
	ID                     uint       `gorm:"primaryKey"`
	WalletAddress          string     `gorm:"size:64;not null;uniqueIndex"`
	Points                 int64      `gorm:"not null;index"`
	MiningEndTime          *time.Time `gorm:"index"`
	Task1                  bool       `gorm:"column:task1;not null"`
	Task2                  bool       `gorm:"column:task2;not null"`
	Task3                  bool       `gorm:"column:task3;not null"`
	ReferralCode           string     `gorm:"size:6;not null;uniqueIndex"`
	ReferredBy             *string    `gorm:"size:64;index"`
	ReferredUsersCount     int64      `gorm:"not null"`
	ReferralBonus          int64      `gorm:"not null"`
	ReferralBonusProcessed bool       `gorm:"not null"`
	LastClaimed            *time.Time
	Username               string `gorm:"size:16;not null"`
	CreatedAt              time.Time
}

func (userRecord) TableName() string {
	return "users"
}

func recordFromUser(u *User) *userRecord {
	return &userRecord{
		WalletAddress:          u.WalletAddress,
		Points:                 u.Points,
		MiningEndTime:          utcPtr(u.MiningEndTime),
		Task1:                  u.TasksCompleted.Telegram,
		Task2:                  u.TasksCompleted.Discord,
		Task3:                  u.TasksCompleted.X,
		ReferralCode:           u.ReferralCode,
		ReferredBy:             u.ReferredBy,
		ReferredUsersCount:     u.ReferredUsersCount,
		ReferralBonus:          u.ReferralBonus,
		ReferralBonusProcessed: u.ReferralBonusProcessed,
		LastClaimed:            utcPtr(u.LastClaimed),
		Username:               u.Username,
		CreatedAt:              u.CreatedAt.UTC(),
	}
}

func (r *userRecord) toUser() *User {
	return &User{
		WalletAddress:          r.WalletAddress,
		Points:                 r.Points,
		MiningEndTime:          utcPtr(r.MiningEndTime),
		TasksCompleted:         Tasks{Telegram: r.Task1, Discord: r.Task2, X: r.Task3},
		ReferralCode:           r.ReferralCode,
		ReferredBy:             r.ReferredBy,
		ReferredUsersCount:     r.ReferredUsersCount,
		ReferralBonus:          r.ReferralBonus,
		ReferralBonusProcessed: r.ReferralBonusProcessed,
		LastClaimed:            utcPtr(r.LastClaimed),
		Username:               r.Username,
		CreatedAt:              r.CreatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// GormStore keeps users in a relational table through GORM
type GormStore struct {
	db *gorm.DB
}

func gormLogLevel(level string) gormLogger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return gormLogger.Silent
	case "warn":
		return gormLogger.Warn
	case "info":
		return gormLogger.Info
	default:
		return gormLogger.Error
	}
}

// NewGormStore opens the database, applies pool settings and migrates the users table
func NewGormStore(cfg config.DBConfig) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported gorm driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, unavailable("gorm open", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, unavailable("gorm pool", err)
	}
	if cfg.Driver == "sqlite" {
		// SQLite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnLifetime)
	}

	if err := db.AutoMigrate(&userRecord{}); err != nil {
		sqlDB.Close()
		return nil, unavailable("gorm migrate", err)
	}

	util.Infof("Connected to %s through GORM", cfg.Driver)
	return &GormStore{db: db}, nil
}

// GetOrCreate returns the user for address, creating it on first use
func (g *GormStore) GetOrCreate(ctx context.Context, address, referralCode string) (*User, error) {
	if err := checkAddress(address); err != nil {
		return nil, err
	}

	for {
		var result *User
		err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing userRecord
			err := tx.Where("wallet_address = ?", address).Take(&existing).Error
			if err == nil {
				result = existing.toUser()
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			code, err := uniqueReferralCode(ctx, func(code string) (bool, error) {
				var n int64
				err := tx.Model(&userRecord{}).Where("referral_code = ?", code).Count(&n).Error
				return n > 0, err
			})
			if err != nil {
				return err
			}

			u := newUser(address, code, time.Now())

			var referrer userRecord
			hasReferrer := false
			if referralCode != "" {
				err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
					Where("referral_code = ?", referralCode).
					Take(&referrer).Error
				switch {
				case errors.Is(err, gorm.ErrRecordNotFound):
				case err != nil:
					return err
				case referrer.WalletAddress != address:
					owner := referrer.WalletAddress
					u.ReferredBy = &owner
					hasReferrer = true
				}
			}

			rec := recordFromUser(u)
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Lost a race: either the address or the code was taken meanwhile
				if err := tx.Where("wallet_address = ?", address).Take(&existing).Error; err == nil {
					result = existing.toUser()
					return nil
				}
				return errDuplicateReferralCode
			}

			if hasReferrer {
				err := tx.Model(&userRecord{}).
					Where("id = ?", referrer.ID).
					UpdateColumn("referred_users_count", gorm.Expr("referred_users_count + ?", 1)).Error
				if err != nil {
					return err
				}
			}

			result = rec.toUser()
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
func (g *GormStore) Get(ctx context.Context, address string) (*User, error) {
	var rec userRecord
	err := g.db.WithContext(ctx).Where("wallet_address = ?", address).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get user", err)
	}
	return rec.toUser(), nil
}

// Update applies mutate to the row locked with SELECT ... FOR UPDATE
func (g *GormStore) Update(ctx context.Context, address string, mutate Mutation) (*User, error) {
	var result *User
	var domainErr error

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec userRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("wallet_address = ?", address).
			Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			domainErr = ErrNotFound
			return domainErr
		}
		if err != nil {
			return err
		}

		next, err := applyMutation(rec.toUser(), mutate)
		if err != nil {
			domainErr = err
			return err
		}

		row := recordFromUser(next)
		row.ID = rec.ID
		if err := tx.Save(row).Error; err != nil {
			return err
		}
		result = row.toUser()
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

func (g *GormStore) find(ctx context.Context, order string, limit int) ([]*User, error) {
	var recs []userRecord
	q := g.db.WithContext(ctx).Order(order)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, unavailable("list users", err)
	}

	users := make([]*User, 0, len(recs))
	for i := range recs {
		users = append(users, recs[i].toUser())
	}
	return users, nil
}

// Leaderboard returns users by points descending, ties in creation order
func (g *GormStore) Leaderboard(ctx context.Context, limit int) ([]*User, error) {
	return g.find(ctx, "points desc, id asc", limit)
}

// TotalPoints sums points over every user
func (g *GormStore) TotalPoints(ctx context.Context) (int64, error) {
	var total int64
	err := g.db.WithContext(ctx).Model(&userRecord{}).
		Select("COALESCE(SUM(points), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, unavailable("total points", err)
	}
	return total, nil
}

// ActiveMinerCount counts sessions ending after now
func (g *GormStore) ActiveMinerCount(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&userRecord{}).
		Where("mining_end_time > ?", now.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, unavailable("active miners", err)
	}
	return count, nil
}

// AllUsers returns every user in creation order
func (g *GormStore) AllUsers(ctx context.Context) ([]*User, error) {
	return g.find(ctx, "id asc", 0)
}

// Close closes the underlying connection pool
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
