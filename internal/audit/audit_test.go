package audit

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/axismundi/amallo/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// File-backed so every pooled connection sees the same tables.
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.AuditEntry{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	return db
}

func TestRecord_DefaultsAndRecent(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(openTestDB(t), func() time.Time { return fixed })

	l.Record(models.AuditEntry{Identity: "marcus", Action: models.ActionChat, Model: "dolphin-mistral", Backend: "ollama"})
	l.Record(models.AuditEntry{Identity: "ada", Action: models.ActionConnect, SessionID: "abc", Outcome: models.OutcomeError})

	got, err := l.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Identity != "ada" || got[1].Identity != "marcus" {
		t.Errorf("order = %s, %s; want newest first", got[0].Identity, got[1].Identity)
	}
	if got[1].Outcome != models.OutcomeOK {
		t.Errorf("Outcome = %q, want default ok", got[1].Outcome)
	}
	if !got[1].CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", got[1].CreatedAt, fixed)
	}
}

func TestRecent_Limits(t *testing.T) {
	l := New(openTestDB(t), nil)
	for i := 0; i < DefaultLimit+5; i++ {
		l.Record(models.AuditEntry{Identity: fmt.Sprintf("u%d", i), Action: models.ActionChat})
	}

	tests := []struct {
		limit int
		want  int
	}{
		{0, DefaultLimit},
		{-1, DefaultLimit},
		{3, 3},
		{MaxLimit + 100, DefaultLimit + 5},
	}
	for _, tt := range tests {
		got, err := l.Recent(tt.limit)
		if err != nil {
			t.Fatalf("Recent(%d): %v", tt.limit, err)
		}
		if len(got) != tt.want {
			t.Errorf("Recent(%d) len = %d, want %d", tt.limit, len(got), tt.want)
		}
	}
}

func TestNilLog(t *testing.T) {
	var l *Log
	l.Record(models.AuditEntry{Action: models.ActionChat})
	if _, err := l.Recent(5); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
	if l.Since(time.Now()) < 0 {
		t.Error("Since on nil log went negative")
	}
}

func TestRecord_StoreFailureIsSwallowed(t *testing.T) {
	db := openTestDB(t)
	l := New(db, nil)
	if err := db.Migrator().DropTable(&models.AuditEntry{}); err != nil {
		t.Fatal(err)
	}
	l.Record(models.AuditEntry{Action: models.ActionChat})
	if _, err := l.Recent(1); err == nil {
		t.Error("Recent on dropped table should fail")
	}
}

func TestRecord_Concurrent(t *testing.T) {
	l := New(openTestDB(t), nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Record(models.AuditEntry{Identity: fmt.Sprintf("u%d", i), Action: models.ActionExec})
		}(i)
	}
	wg.Wait()
	got, err := l.Recent(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 20 {
		t.Errorf("len = %d, want 20", len(got))
	}
}

func TestSince(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(nil, func() time.Time { return start.Add(1500 * time.Millisecond) })
	if got := l.Since(start); got != 1500 {
		t.Errorf("Since = %d, want 1500", got)
	}
}
