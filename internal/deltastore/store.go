// Package deltastore is the durable ledger of Delta observations.
//
// Rows are append-style: an upsert whose logical content matches the latest
// row for the same (account, instrument, correlation, action) key is a no-op,
// so the execution engine and the position poller can both report the same
// observation without duplicating it. SQLite in WAL mode keeps writers from
// blocking readers; the store is the single writer of records.
package deltastore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"optionbridge/pkg/types"
)

// ErrNotFound is returned by point lookups with no matching row.
var ErrNotFound = errors.New("deltastore: record not found")

const writeRetries = 3

// Record is one row of the Delta ledger.
type Record struct {
	ID                int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID         string  `gorm:"index:idx_account_created,priority:1;index:idx_account_instrument_created,priority:1;index:idx_dedupe_key,priority:1" json:"account_id"`
	InstrumentID      string  `gorm:"index:idx_account_instrument_created,priority:2;index:idx_dedupe_key,priority:2" json:"instrument_id"`
	CorrelationID     *string `gorm:"index:idx_dedupe_key,priority:3" json:"correlation_id"`
	TVSignalID        *string `json:"tv_signal_id"`
	Action            types.DeltaAction `gorm:"index:idx_dedupe_key,priority:4" json:"action"`
	TargetDelta       *float64 `json:"target_delta"`
	MovePositionDelta *float64 `json:"move_position_delta"`
	ObservedDelta     *float64 `json:"observed_delta"`
	OrderID           *string  `json:"order_id"`
	CreatedAt         time.Time `gorm:"index:idx_account_created,priority:2;index:idx_account_instrument_created,priority:3" json:"created_at"`
}

// sameContent compares the logical content of two rows, excluding CreatedAt
// and ID. Equal content makes a repeated upsert a no-op.
func (r Record) sameContent(other Record) bool {
	return eqStrPtr(r.CorrelationID, other.CorrelationID) &&
		eqStrPtr(r.TVSignalID, other.TVSignalID) &&
		r.Action == other.Action &&
		eqF64Ptr(r.TargetDelta, other.TargetDelta) &&
		eqF64Ptr(r.MovePositionDelta, other.MovePositionDelta) &&
		eqF64Ptr(r.ObservedDelta, other.ObservedDelta) &&
		eqStrPtr(r.OrderID, other.OrderID)
}

func eqStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqF64Ptr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Summary aggregates ledger activity for an account over a time range.
type Summary struct {
	CountByAction    map[types.DeltaAction]int64 `json:"count_by_action"`
	NetObservedDelta float64                     `json:"net_observed_delta"`
	LastUpdated      *time.Time                  `json:"last_updated"`
}

// Store wraps the SQLite ledger.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open delta db: %w", err)
	}

	// WAL lets the pollers read while the engine writes.
	if err := db.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate delta db: %w", err)
	}

	return &Store{db: db, logger: log.With("component", "deltastore")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert appends the record unless the latest row with the same
// (account, instrument, correlation, action) key already carries identical
// content. Returns the stored row (existing or new). Transient write failures
// retry within a small budget.
func (s *Store) Upsert(rec Record) (*Record, error) {
	if rec.TargetDelta == nil && rec.MovePositionDelta == nil && rec.ObservedDelta == nil {
		return nil, fmt.Errorf("deltastore: record carries no delta values")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		existing, err := s.latestByKey(rec.AccountID, rec.InstrumentID, rec.CorrelationID, rec.Action)
		if err != nil && !errors.Is(err, ErrNotFound) {
			lastErr = err
			continue
		}
		if err == nil && existing.sameContent(rec) {
			return existing, nil
		}

		if err := s.db.Create(&rec).Error; err != nil {
			lastErr = fmt.Errorf("insert delta record: %w", err)
			continue
		}
		return &rec, nil
	}
	return nil, lastErr
}

func (s *Store) latestByKey(accountID, instrumentID string, correlationID *string, action types.DeltaAction) (*Record, error) {
	q := s.db.Where("account_id = ? AND instrument_id = ? AND action = ?", accountID, instrumentID, action)
	if correlationID == nil {
		q = q.Where("correlation_id IS NULL")
	} else {
		q = q.Where("correlation_id = ?", *correlationID)
	}

	var rec Record
	err := q.Order("created_at DESC, id DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query delta record: %w", err)
	}
	return &rec, nil
}

// Query selects records for ByAccount.
type Query struct {
	AccountID string
	From      time.Time
	To        time.Time
	Actions   []types.DeltaAction
	Limit     int
	Offset    int
}

// ByAccount returns records for an account within a time range, newest first.
func (s *Store) ByAccount(q Query) ([]Record, error) {
	tx := s.db.Where("account_id = ?", q.AccountID)
	if !q.From.IsZero() {
		tx = tx.Where("created_at >= ?", q.From)
	}
	if !q.To.IsZero() {
		tx = tx.Where("created_at <= ?", q.To)
	}
	if len(q.Actions) > 0 {
		tx = tx.Where("action IN ?", q.Actions)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var recs []Record
	if err := tx.Order("created_at DESC, id DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query delta records: %w", err)
	}
	return recs, nil
}

// LatestByInstrument returns the newest record for one instrument, or
// ErrNotFound.
func (s *Store) LatestByInstrument(accountID, instrumentID string) (*Record, error) {
	var rec Record
	err := s.db.Where("account_id = ? AND instrument_id = ?", accountID, instrumentID).
		Order("created_at DESC, id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest record: %w", err)
	}
	return &rec, nil
}

// LatestObserved returns the most recent observed delta for an instrument, or
// ErrNotFound when no observation exists yet.
func (s *Store) LatestObserved(accountID, instrumentID string) (float64, error) {
	var rec Record
	err := s.db.Where("account_id = ? AND instrument_id = ? AND observed_delta IS NOT NULL", accountID, instrumentID).
		Order("created_at DESC, id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query latest observed delta: %w", err)
	}
	return *rec.ObservedDelta, nil
}

// Summarize aggregates an account's ledger over a time range.
func (s *Store) Summarize(accountID string, from, to time.Time) (*Summary, error) {
	base := s.db.Model(&Record{}).Where("account_id = ?", accountID)
	if !from.IsZero() {
		base = base.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		base = base.Where("created_at <= ?", to)
	}

	type actionCount struct {
		Action types.DeltaAction
		N      int64
	}
	var counts []actionCount
	if err := base.Session(&gorm.Session{}).
		Select("action, count(*) as n").
		Group("action").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("summarize actions: %w", err)
	}

	summary := &Summary{CountByAction: make(map[types.DeltaAction]int64)}
	for _, c := range counts {
		summary.CountByAction[c.Action] = c.N
	}

	var net *float64
	if err := base.Session(&gorm.Session{}).
		Select("sum(observed_delta)").
		Scan(&net).Error; err != nil {
		return nil, fmt.Errorf("summarize net delta: %w", err)
	}
	if net != nil {
		summary.NetObservedDelta = *net
	}

	var last Record
	err := s.db.Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		First(&last).Error
	if err == nil {
		summary.LastUpdated = &last.CreatedAt
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("summarize last updated: %w", err)
	}

	return summary, nil
}

// Prune deletes records older than the retention horizon. Returns rows removed.
func (s *Store) Prune(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res := s.db.Where("created_at < ?", cutoff).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune delta records: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("pruned delta records", "removed", res.RowsAffected, "cutoff", cutoff)
	}
	return res.RowsAffected, nil
}
