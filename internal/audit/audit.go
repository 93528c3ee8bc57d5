// Package audit records gateway actions to the optional audit store.
//
// A nil *Log is valid and discards every record, so callers never branch
// on whether auditing is enabled.
package audit

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/axismundi/amallo/internal/models"
)

// ErrDisabled is returned by Recent when no store is configured.
var ErrDisabled = errors.New("audit: disabled")

// DefaultLimit caps Recent when the caller passes no limit.
const DefaultLimit = 50

// MaxLimit is the most rows Recent returns.
const MaxLimit = 500

// Log writes audit entries through gorm.
type Log struct {
	db  *gorm.DB
	now func() time.Time
}

// New wraps an open, migrated database.
func New(db *gorm.DB, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{db: db, now: now}
}

// Record stores e. Failures are logged, never returned.
func (l *Log) Record(e models.AuditEntry) {
	if l == nil || l.db == nil {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = models.OutcomeOK
	}
	if err := l.db.Create(&e).Error; err != nil {
		log.Printf("audit: record %s for %s: %v", e.Action, e.Identity, err)
	}
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(limit int) ([]models.AuditEntry, error) {
	if l == nil || l.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	var entries []models.AuditEntry
	if err := l.db.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	return entries, nil
}

// Since returns the elapsed milliseconds from start, for LatencyMs.
func (l *Log) Since(start time.Time) int64 {
	now := time.Now
	if l != nil {
		now = l.now
	}
	return now().Sub(start).Milliseconds()
}
