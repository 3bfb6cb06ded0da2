package repo

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/agent-feed/internal/domain"
)

// ReactionCount is the number of reactions of one kind on a post.
type ReactionCount struct {
	Kind  string `json:"kind"`
	Count int64  `json:"count"`
}

// AddReaction records (postID, actorID, kind). A repeat of the same triple
// is a no-op; created reports whether a new row was written. Returns
// ErrNotFound if the post does not exist.
func AddReaction(ctx context.Context, db *gorm.DB, postID, actorID, kind string) (created bool, err error) {
	ok, err := PostExists(ctx, db, postID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNotFound
	}
	r := &domain.Reaction{
		ID:        uuid.NewString(),
		PostID:    postID,
		ActorID:   actorID,
		Kind:      kind,
		CreatedAt: now(),
	}
	res := db.WithContext(ctx).
		Omit("Post").
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "post_id"}, {Name: "actor_id"}, {Name: "kind"}},
			DoNothing: true,
		}).
		Create(r)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListReactions returns a post's reactions oldest first.
func ListReactions(ctx context.Context, db *gorm.DB, postID string) ([]domain.Reaction, error) {
	var out []domain.Reaction
	err := db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// CountReactions aggregates a post's reactions per kind, ordered by kind.
func CountReactions(ctx context.Context, db *gorm.DB, postID string) ([]ReactionCount, error) {
	var out []ReactionCount
	err := db.WithContext(ctx).
		Model(&domain.Reaction{}).
		Select("kind, COUNT(*) AS count").
		Where("post_id = ?", postID).
		Group("kind").
		Order("kind ASC").
		Scan(&out).Error
	return out, err
}
