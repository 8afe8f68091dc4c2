// Package audit persists one record per completed FDC transaction to a
// local SQLite database, for post-hoc inspection of drive activity. It is
// diagnostic only: nothing in the protocol engine, pattern codec, or
// machine codec ever reads from it.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gorm.io/driver/sqlite"
	_ "modernc.org/sqlite"

	"github.com/kh940fdc/kh940fdc/pkg/logger"
	"github.com/kh940fdc/kh940fdc/pkg/protocol"
)

// Record is one row: a completed FDC transaction.
type Record struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	Command    string    `gorm:"index;not null" json:"command"`
	PSN        *int      `json:"psn"`
	BytesIn    int       `json:"bytes_in"`
	BytesOut   int       `json:"bytes_out"`
	StartedAt  time.Time `gorm:"index;not null" json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Err        string    `json:"error"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName pins the table name independent of Go naming.
func (Record) TableName() string {
	return "audit_records"
}

// BeforeCreate fills CreatedAt/StartedAt when the caller left them zero.
func (r *Record) BeforeCreate(tx *gorm.DB) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = r.CreatedAt
	}
	return nil
}

// CommandCount tallies how many times a command was observed.
type CommandCount struct {
	Command string
	Count   int64
}

// Store wraps a GORM connection to the audit database.
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewStore opens (creating if absent) a SQLite database at path and
// migrates the Record schema into it.
func NewStore(path string, log *logger.Logger) (*Store, error) {
	if path == "" {
		path = "kh940fdc-audit.db"
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: creating database directory: %w", err)
		}
	}

	gormLog := gormlogger.New(
		&gormLogAdapter{log: log},
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("audit: getting database handle: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return nil, fmt.Errorf("audit: applying %q: %w", pragma, err)
		}
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("audit: running migrations: %w", err)
	}

	if log != nil {
		log.Info("audit store initialized", logger.String("path", path))
	}

	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record inserts one transaction row.
func (s *Store) Record(rec Record) error {
	return s.db.Create(&rec).Error
}

// Recent returns the most recent limit transactions, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	var records []Record
	err := s.db.Order("started_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// CommandCounts tallies transactions grouped by command letter.
func (s *Store) CommandCounts() ([]CommandCount, error) {
	var counts []CommandCount
	err := s.db.Model(&Record{}).
		Select("command, count(*) as count").
		Group("command").
		Scan(&counts).Error
	return counts, err
}

// ObserveTransaction implements protocol.TransactionObserver. Failures to
// persist are logged and discarded — an audit hiccup must never fail or
// stall a live transaction.
func (s *Store) ObserveTransaction(ev protocol.TransactionEvent) {
	errMsg := ""
	if ev.Err != nil {
		errMsg = ev.Err.Error()
	}

	rec := Record{
		Command:    ev.Command,
		PSN:        ev.PSN,
		BytesIn:    ev.BytesIn,
		BytesOut:   ev.BytesOut,
		StartedAt:  ev.StartedAt,
		DurationMS: ev.Duration.Milliseconds(),
		Err:        errMsg,
	}

	if err := s.Record(rec); err != nil && s.log != nil {
		s.log.Error("failed to persist audit record", logger.Error(err), logger.String("command", ev.Command))
	}
}

// gormLogAdapter routes GORM's own log lines through pkg/logger.
type gormLogAdapter struct {
	log *logger.Logger
}

func (l *gormLogAdapter) Printf(format string, args ...interface{}) {
	if l.log == nil {
		return
	}
	l.log.Info(fmt.Sprintf(format, args...))
}
