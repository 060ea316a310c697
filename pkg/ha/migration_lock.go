package ha

import (
	"context"
	"database/sql"
	"fmt"
	"hash/crc32"
	"time"

	"gorm.io/gorm"
)

const migrationLockName = "contract-broker-migration"

// MigrationLocker serializes schema migrations across replicas.
type MigrationLocker interface {
	// WithLock executes fn while holding the migration lock.
	// It blocks until the lock is acquired, then releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker creates a MigrationLocker appropriate for the database
// dialect. PostgreSQL uses an advisory lock, MySQL a named lock, and SQLite a
// lock row. A nil cfg uses DefaultConfig; a disabled cfg returns a locker
// that runs fn directly.
func NewMigrationLocker(db *gorm.DB, cfg *Config) (MigrationLocker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if db == nil || !cfg.MigrationLockEnabled {
		return noopMigrationLock{}, nil
	}

	switch db.Dialector.Name() {
	case "postgres":
		return &pgAdvisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte(migrationLockName))),
		}, nil
	case "mysql":
		return &mysqlNamedLock{db: db, timeout: cfg.AcquireTimeout}, nil
	}

	// The lock table must exist before any replica tries to insert into it.
	if err := db.AutoMigrate(&migrationLockRecord{}); err != nil {
		return nil, fmt.Errorf("create migration lock table: %w", err)
	}
	return &tableMigrationLock{db: db, cfg: cfg}, nil
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// pgAdvisoryLock holds a session-level advisory lock on one pooled
// connection for the duration of fn.
type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
			return fmt.Errorf("acquire migration advisory lock: %w", err)
		}
		defer conn.Exec("SELECT pg_advisory_unlock(?)", l.lockID)
		return fn()
	})
}

// mysqlNamedLock uses GET_LOCK, which is also bound to the session.
type mysqlNamedLock struct {
	db      *gorm.DB
	timeout time.Duration
}

func (l *mysqlNamedLock) WithLock(ctx context.Context, fn func() error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var got sql.NullInt64
		err := conn.Raw("SELECT GET_LOCK(?, ?)", migrationLockName, int(l.timeout.Seconds())).Scan(&got).Error
		if err != nil {
			return fmt.Errorf("acquire migration named lock: %w", err)
		}
		if !got.Valid || got.Int64 != 1 {
			return fmt.Errorf("acquire migration named lock: timed out after %s", l.timeout)
		}
		defer conn.Exec("SELECT RELEASE_LOCK(?)", migrationLockName)
		return fn()
	})
}

// migrationLockRecord is the lock row used where the database has no
// session lock primitive.
type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "migration_lock" }

// tableMigrationLock relies on the primary key to admit one holder at a
// time and discards rows older than StaleLockAge to recover from crashes.
type tableMigrationLock struct {
	db  *gorm.DB
	cfg *Config
}

const lockRetryInterval = 200 * time.Millisecond

func (l *tableMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	deadline := time.Now().Add(l.cfg.AcquireTimeout)
	for {
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", migrationLockName, time.Now().Add(-l.cfg.StaleLockAge)).
			Delete(&migrationLockRecord{})

		row := migrationLockRecord{ID: migrationLockName, LockedAt: time.Now(), LockedBy: l.cfg.Identity}
		err := l.db.WithContext(ctx).Create(&row).Error
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("acquire migration lock after %s: %w", l.cfg.AcquireTimeout, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}

	defer l.db.Where("id = ?", migrationLockName).Delete(&migrationLockRecord{})
	return fn()
}
