// Package journal keeps a local SQLite record of keygen and signing
// sessions so an operator can see what ran, where it stopped and why.
package journal

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	tsserrors "github.com/pushchain/tss-relay/errors"
)

const (
	// InMemorySQLiteDSN is a special DSN to create an ephemeral in-memory SQLite database.
	InMemorySQLiteDSN = ":memory:"

	// dbDirPermissions sets directory permissions to 750 (rwxr-x---).
	dbDirPermissions = 0o750
)

// gormConfig keeps gorm quiet; the journal logs through zerolog.
var gormConfig = &gorm.Config{
	Logger: logger.Default.LogMode(logger.Silent),
}

// Journal provides database access for session records.
type Journal struct {
	db     *gorm.DB
	logger zerolog.Logger

	host  string
	pid   int
	alive func(pid int) bool
}

// Open opens (or creates) the journal at path and migrates its schema.
func Open(path string, log zerolog.Logger) (*Journal, error) {
	dsn := path
	if path != InMemorySQLiteDSN {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, dbDirPermissions); err != nil {
				return nil, errors.Wrapf(err, "failed to create directory: %s", dir)
			}
		}
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open SQLite database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}
	// one connection, so an in-memory database is the same database everywhere
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := db.AutoMigrate(&Session{}); err != nil {
		return nil, errors.Wrap(err, "failed to auto-migrate database schema")
	}

	return New(db, log), nil
}

// New wraps an already migrated database.
func New(db *gorm.DB, log zerolog.Logger) *Journal {
	host, _ := os.Hostname()
	return &Journal{
		db:     db,
		logger: log.With().Str("component", "session_journal").Logger(),
		host:   host,
		pid:    os.Getpid(),
		alive:  processAlive,
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Begin records the start of a session and returns its id.
func (j *Journal) Begin(protocol, room string) (uint, error) {
	s := Session{Protocol: protocol, Room: room, Status: StatusInProgress, Host: j.host, PID: j.pid}
	if err := j.db.Create(&s).Error; err != nil {
		return 0, errors.Wrap(err, "failed to record session start")
	}
	return s.ID, nil
}

// Succeed marks the session successful and stores its public outcome.
func (j *Journal) Succeed(id uint, outcome Session) error {
	update := map[string]any{
		"status":     StatusSuccess,
		"index":      outcome.Index,
		"public_key": outcome.PublicKey,
		"digest":     outcome.Digest,
		"signature":  outcome.Signature,
		"output":     outcome.Output,
	}
	return j.update(id, update)
}

// Fail marks the session failed with the classification of err.
func (j *Journal) Fail(id uint, err error) error {
	update := map[string]any{
		"status":     StatusFailed,
		"error_msg":  err.Error(),
		"error_code": string(tsserrors.CodeOf(err)),
	}
	var tssErr *tsserrors.Error
	if tsserrors.As(err, &tssErr) {
		update["stage"] = string(tssErr.Stage)
	}
	if tsserrors.IsCancellation(err) {
		update["error_code"] = "CANCELLED"
	}
	return j.update(id, update)
}

func (j *Journal) update(id uint, update map[string]any) error {
	result := j.db.Model(&Session{}).Where("id = ?", id).Updates(update)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to update session %d", id)
	}
	if result.RowsAffected == 0 {
		return errors.Errorf("session %d not found", id)
	}
	return nil
}

// Get retrieves a session by id.
func (j *Journal) Get(id uint) (*Session, error) {
	var s Session
	if err := j.db.First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// Recent returns the latest sessions, newest first. A non-positive limit
// returns all of them.
func (j *Journal) Recent(limit int) ([]Session, error) {
	var sessions []Session
	query := j.db.Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&sessions).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query sessions")
	}
	return sessions, nil
}

// MarkInterrupted fails the sessions still IN_PROGRESS whose process on this
// host is gone. Sessions of live processes, such as other local parties
// sharing the journal, and of other hosts are left alone.
func (j *Journal) MarkInterrupted() (int64, error) {
	var open []Session
	if err := j.db.
		Where("status = ? AND (host = ? OR host = '')", StatusInProgress, j.host).
		Find(&open).Error; err != nil {
		return 0, errors.Wrap(err, "failed to query open sessions")
	}

	var ids []uint
	for _, s := range open {
		if !j.alive(s.PID) {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := j.db.Model(&Session{}).
		Where("id IN ? AND status = ?", ids, StatusInProgress).
		Updates(map[string]any{"status": StatusFailed, "error_msg": "interrupted"})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to mark interrupted sessions")
	}
	if result.RowsAffected > 0 {
		j.logger.Info().
			Int64("count", result.RowsAffected).
			Msg("marked interrupted sessions as failed")
	}
	return result.RowsAffected, nil
}

// Close safely closes the underlying database connection.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve native sql.DB")
	}
	if err := sqlDB.Close(); err != nil {
		return errors.Wrap(err, "failed to close database connection")
	}
	return nil
}
