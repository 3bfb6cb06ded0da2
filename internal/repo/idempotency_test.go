package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/agent-feed/internal/domain"
)

func TestGetIdempotency_BlankInputs_ReturnNotFound(t *testing.T) {
	db := newFeedDB(t)
	at := time.Now().UTC()
	if rec, err := GetIdempotency(context.Background(), db, "   ", "k1", at); rec != nil || !errors.Is(err, ErrNotFound) {
		t.Fatalf("blank sender: (%v, %v)", rec, err)
	}
	if rec, err := GetIdempotency(context.Background(), db, "a1", "", at); rec != nil || !errors.Is(err, ErrNotFound) {
		t.Fatalf("blank key: (%v, %v)", rec, err)
	}
}

func TestGetIdempotency_ExpiredOrMissing_ReturnsNotFound(t *testing.T) {
	db := newFeedDB(t)
	at := time.Now().UTC()

	exp := &domain.Idempotency{
		ID:        "expired",
		SenderID:  "a1",
		Key:       "k1",
		PostID:    "p1",
		Status:    201,
		CreatedAt: at.Add(-2 * time.Hour),
		ExpiresAt: at.Add(-time.Hour),
	}
	if err := db.Create(exp).Error; err != nil {
		t.Fatalf("seed expired: %v", err)
	}
	if rec, err := GetIdempotency(context.Background(), db, "a1", "k1", at); rec != nil || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired: (%v, %v)", rec, err)
	}
	if rec, err := GetIdempotency(context.Background(), db, "a1", "missing", at); rec != nil || !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: (%v, %v)", rec, err)
	}
}

func TestCreateIdempotency_SuccessDuplicateAndReuseAfterExpiry(t *testing.T) {
	db := newFeedDB(t)
	ctx := context.Background()
	start := time.Now().UTC()

	rec, err := CreateIdempotency(ctx, db, "a9", "k9", "p9", 201, 90*time.Minute)
	if err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if rec.SenderID != "a9" || rec.Key != "k9" || rec.PostID != "p9" || rec.Status != 201 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !(rec.ExpiresAt.After(start) && rec.ExpiresAt.Before(start.Add(2*time.Hour))) {
		t.Fatalf("unexpected ExpiresAt: %v", rec.ExpiresAt)
	}

	got, err := GetIdempotency(ctx, db, "a9", "k9", start)
	if err != nil || got.PostID != "p9" {
		t.Fatalf("GetIdempotency: %+v %v", got, err)
	}

	if _, err := CreateIdempotency(ctx, db, "a9", "k9", "pX", 201, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Same key from another sender is independent.
	if _, err := CreateIdempotency(ctx, db, "b1", "k9", "pY", 201, time.Hour); err != nil {
		t.Fatalf("other sender: %v", err)
	}

	// Once expired, the key can be reused.
	db.Model(&domain.Idempotency{}).Where("sender_id = ? AND key = ?", "a9", "k9").Update("expires_at", start.Add(-time.Minute))
	if _, err := CreateIdempotency(ctx, db, "a9", "k9", "pZ", 201, time.Hour); err != nil {
		t.Fatalf("reuse after expiry: %v", err)
	}
}

func TestPurgeExpiredIdempotency(t *testing.T) {
	db := newFeedDB(t)
	at := time.Now().UTC()
	db.Create(&domain.Idempotency{ID: "old", SenderID: "a", Key: "1", PostID: "p", CreatedAt: at, ExpiresAt: at.Add(-time.Second)})
	db.Create(&domain.Idempotency{ID: "new", SenderID: "a", Key: "2", PostID: "p", CreatedAt: at, ExpiresAt: at.Add(time.Hour)})

	n, err := PurgeExpiredIdempotency(context.Background(), db, at)
	if err != nil || n != 1 {
		t.Fatalf("purged %d (%v); want 1", n, err)
	}
}

func TestCreateIdempotency_Error_NoTable(t *testing.T) {
	db := newFeedDB(t)
	if err := db.Migrator().DropTable(&domain.Idempotency{}); err != nil {
		t.Fatalf("drop: %v", err)
	}
	_, err := CreateIdempotency(context.Background(), db, "a", "k", "p", 201, time.Minute)
	if err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected non-duplicate error, got %v", err)
	}
}
