package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/agent-feed/internal/domain"
)

// GetIdempotency returns a non-expired record for (senderID, key) or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, senderID, key string, at time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(senderID) == "" || strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("sender_id = ? AND key = ? AND expires_at > ?", senderID, key, at.UTC()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotency records that key produced postID and returns ErrDuplicate
// when a live record for (senderID, key) already exists. An expired record
// with the same key is replaced.
func CreateIdempotency(ctx context.Context, db *gorm.DB, senderID, key, postID string, status int, ttl time.Duration) (*domain.Idempotency, error) {
	at := now()
	rec := &domain.Idempotency{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Key:       key,
		PostID:    postID,
		Status:    status,
		CreatedAt: at,
		ExpiresAt: at.Add(ttl),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sender_id = ? AND key = ? AND expires_at <= ?", senderID, key, at).
			Delete(&domain.Idempotency{}).Error; err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredIdempotency deletes records that expired before at.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", at.UTC()).Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}
