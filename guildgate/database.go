package guildgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion, stored in milliseconds.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// DBI is the persistence adapter contract consumed by the core. Reads
// and writes are keyed by the requester (Discord) identity; Upsert is
// insert-or-update on that key. [database] implements this interface for
// 'real' DB operations; tests substitute mocks where useful.
type DBI interface {
	DB() *gorm.DB

	// GetByRequester returns the Member keyed by Discord ID, or an error
	// wrapping ErrNotFound.
	GetByRequester(ctx context.Context, discordID string) (*Member, error)

	// GetByRobloxID returns the Member currently holding the given
	// Roblox account, or an error wrapping ErrNotFound. Used for the
	// uniqueness check-then-act before every linking write.
	GetByRobloxID(ctx context.Context, robloxID int64) (*Member, error)

	// Upsert inserts or fully updates the given Member, keyed by
	// Member.DiscordID. Last write wins: there is no version column.
	Upsert(ctx context.Context, m *Member) error

	// DeleteByRequester removes the Member row for the given Discord ID.
	DeleteByRequester(ctx context.Context, discordID string) error

	Create(ctx context.Context, value any) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)

	// AdminCredential returns the dashboard admin login record, or an
	// error wrapping ErrNotFound if `init` hasn't been run.
	AdminCredential(ctx context.Context) (*AdminCredential, error)
}

// database wraps a GORM connection. When concurrent writes are disabled
// (SQLite), a mutex serializes all write operations.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance. Concurrent writes
// should be disabled for SQLite.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) withTimeout(ctx context.Context) (
	context.Context,
	context.CancelFunc,
) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) GetByRequester(
	ctx context.Context,
	discordID string,
) (*Member, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var m Member
	err := d.db.WithContext(ctx).Where(
		"discord_id = ?", discordID,
	).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("member %s: %w", discordID, ErrNotFound)
		}
		return nil, err
	}
	return &m, nil
}

func (d *database) GetByRobloxID(
	ctx context.Context,
	robloxID int64,
) (*Member, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var m Member
	err := d.db.WithContext(ctx).Where(
		"roblox_id = ?", robloxID,
	).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("roblox id %d: %w", robloxID, ErrNotFound)
		}
		return nil, err
	}
	return &m, nil
}

func (d *database) Upsert(ctx context.Context, m *Member) error {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Save(m).Error
}

func (d *database) DeleteByRequester(
	ctx context.Context,
	discordID string,
) error {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Where(
		"discord_id = ?", discordID,
	).Delete(&Member{}).Error
}

func (d *database) Create(ctx context.Context, value any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) AdminCredential(ctx context.Context) (
	*AdminCredential,
	error,
) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var cred AdminCredential
	err := d.db.WithContext(ctx).Last(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("admin credential: %w", ErrNotFound)
		}
		return nil, err
	}
	return &cred, nil
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and runs auto-migration.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&Member{},
		&AdminCredential{},
	)
	if err != nil {
		return db, err
	}

	if commitErr := txn.Commit().Error; commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB initializes a GORM connection for the given database type, which
// must be 'sqlite' or 'postgres'.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
