package repo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/agent-feed/internal/domain"
)

// newFeedDB opens a migrated file-backed SQLite store in a temp dir. A file
// (not shared-cache memory) keeps concurrent writers on WAL + busy_timeout.
func newFeedDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "feed.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	db = db.Session(&gorm.Session{Logger: logger.Default.LogMode(logger.Silent)})
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func TestOpenSQLite_ErrorOnBadPath(t *testing.T) {
	base := t.TempDir()
	bad := filepath.Join(base, "does-not-exist", "feed.db")

	db, err := OpenSQLite(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}
	lower := strings.ToLower(err.Error())
	if !(os.IsNotExist(err) ||
		strings.Contains(lower, "unable to open database file") ||
		strings.Contains(lower, "no such file or directory") ||
		strings.Contains(lower, "out of memory")) {
		t.Fatalf("unexpected error opening %q: %v", bad, err)
	}
}

func TestOpenSQLite_SetsPragmas_Pool_AndAutoMigrate(t *testing.T) {
	db := newFeedDB(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}

	var (
		journalMode string
		syncVal     int
		fkOn        int
		busyMS      int
	)
	if err := db.Raw("PRAGMA journal_mode;").Row().Scan(&journalMode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journalMode)
	}
	if err := db.Raw("PRAGMA synchronous;").Row().Scan(&syncVal); err != nil || syncVal != 1 {
		t.Fatalf("expected synchronous=1 (NORMAL), got %d (%v)", syncVal, err)
	}
	if err := db.Raw("PRAGMA foreign_keys;").Row().Scan(&fkOn); err != nil || fkOn != 1 {
		t.Fatalf("expected foreign_keys=1, got %d (%v)", fkOn, err)
	}
	if err := db.Raw("PRAGMA busy_timeout;").Row().Scan(&busyMS); err != nil || busyMS != 5000 {
		t.Fatalf("expected busy_timeout=5000, got %d (%v)", busyMS, err)
	}
	if stats := sqlDB.Stats(); stats.MaxOpenConnections != 10 {
		t.Fatalf("expected MaxOpenConnections=10, got %d", stats.MaxOpenConnections)
	}

	m := db.Migrator()
	for _, tbl := range []any{&domain.Post{}, &domain.Channel{}, &domain.ChannelMember{}, &domain.Reply{}, &domain.Reaction{}, &domain.Idempotency{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}

	p := &domain.Post{SenderID: "a1", Content: "hi", PostType: domain.PostStatus, IsPublic: true}
	if err := InsertPost(context.Background(), db, p); err != nil {
		t.Fatalf("InsertPost: %v", err)
	}
	if got, err := GetPost(context.Background(), db, p.ID); err != nil || got.Content != "hi" {
		t.Fatalf("readback failed: err=%v got=%+v", err, got)
	}
}

func TestSQLiteDSN(t *testing.T) {
	got := sqliteDSN("a.db")
	if !strings.HasPrefix(got, "a.db?_pragma=journal_mode(WAL)&") || strings.Count(got, "_pragma=") != len(sqlitePragmas) {
		t.Fatalf("unexpected dsn: %s", got)
	}
	if got := sqliteDSN("file:x?mode=memory"); !strings.HasPrefix(got, "file:x?mode=memory&_pragma=") {
		t.Fatalf("existing query not extended: %s", got)
	}
}

func TestOpen_DispatchesOnDriver(t *testing.T) {
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "x.db"), "")
	if err != nil || db.Dialector.Name() != "sqlite" {
		t.Fatalf("expected sqlite dialector, got %v (%v)", db, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cases := map[string]bool{
		"UNIQUE constraint failed: channels.name_key":        true,
		"constraint failed: UNIQUE constraint failed (2067)": true,
		"ERROR: duplicate key value violates unique (SQLSTATE 23505)": true,
		"database is locked": false,
	}
	for msg, want := range cases {
		if got := isUniqueViolation(errString(msg)); got != want {
			t.Fatalf("isUniqueViolation(%q) = %v; want %v", msg, got, want)
		}
	}
	if isUniqueViolation(nil) {
		t.Fatalf("nil is not a violation")
	}
	if !isUniqueViolation(gorm.ErrDuplicatedKey) {
		t.Fatalf("gorm.ErrDuplicatedKey must be a violation")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

// baseTime is a fixed UTC base for ordering tests.
var baseTime = time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
