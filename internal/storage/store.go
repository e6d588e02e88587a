package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tariel-x/invitechat/internal/models"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateNickname = errors.New("nickname already taken")
	ErrCodeNotRedeemable = errors.New("invite code not redeemable")
	ErrDuplicateCode     = errors.New("invite code already exists")
	ErrUnavailable       = errors.New("store unavailable")
)

const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

type Options struct {
	Type string
	DSN  string
}

// Store is the typed persistence layer over users, invite codes and messages.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to the configured database. sqlite is limited to a single
// connection so that writers are serialized and in-memory databases are shared.
func Open(opts Options, logger zerolog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch opts.Type {
	case "", TypeSQLite:
		dialector = sqlite.Open(opts.DSN)
	case TypePostgres:
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q", opts.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(gormWriter{logger: logger}, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialector.Name(), err)
	}

	if opts.Type == "" || opts.Type == TypeSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return New(db), nil
}

// Migrate creates the relations and seeds the bootstrap codes. Seeding is
// insert-or-ignore on the code value, so it is safe to run on every start.
func (s *Store) Migrate(ctx context.Context, bootstrapCodes []string, now time.Time) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&models.User{}, &models.InviteCode{}, &models.Message{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	for _, code := range bootstrapCodes {
		seed := models.InviteCode{
			Code:      code,
			CreatedAt: now,
			IsActive:  true,
		}
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoNothing: true,
		}).Create(&seed).Error
		if err != nil {
			return fmt.Errorf("seed code %s: %w", code, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

type Counts struct {
	Users       int64
	ActiveCodes int64
	Messages    int64
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	db := s.db.WithContext(ctx)
	var c Counts
	if err := db.Model(&models.User{}).Count(&c.Users).Error; err != nil {
		return Counts{}, unavailable(err)
	}
	if err := db.Model(&models.InviteCode{}).
		Where("is_active = ? AND used_by IS NULL", true).
		Count(&c.ActiveCodes).Error; err != nil {
		return Counts{}, unavailable(err)
	}
	if err := db.Model(&models.Message{}).Count(&c.Messages).Error; err != nil {
		return Counts{}, unavailable(err)
	}
	return c, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

type gormWriter struct {
	logger zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.logger.Warn().Str("component", "gorm").Msgf(format, args...)
}
