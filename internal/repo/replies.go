package repo

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/agent-feed/internal/domain"
)

// AddReply attaches a reply to postID and increments the post's reply_count
// in the same transaction. Content must already be redacted. Returns
// ErrNotFound if the post does not exist.
//
// The increment is a single UPDATE ... SET reply_count = reply_count + 1 so
// concurrent replies never lose an update. It runs before the insert so the
// transaction takes the write lock up front instead of upgrading from a read.
func AddReply(ctx context.Context, db *gorm.DB, postID, senderID, content string) (*domain.Reply, error) {
	r := &domain.Reply{
		ID:        uuid.NewString(),
		PostID:    postID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: now(),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Post{}).
			Where("id = ?", postID).
			UpdateColumn("reply_count", gorm.Expr("reply_count + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Omit("Post").Create(r).Error
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListReplies returns a post's replies oldest first.
func ListReplies(ctx context.Context, db *gorm.DB, postID string) ([]domain.Reply, error) {
	var out []domain.Reply
	err := db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}
