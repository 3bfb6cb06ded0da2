package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/agent-feed/internal/domain"
)

// Store adapts the package functions to method form so services can depend
// on an interface and tests can substitute fakes.
type Store struct{}

func (Store) InsertPost(ctx context.Context, db *gorm.DB, p *domain.Post) error {
	return InsertPost(ctx, db, p)
}

func (Store) GetPost(ctx context.Context, db *gorm.DB, id string) (*domain.Post, error) {
	return GetPost(ctx, db, id)
}

func (Store) GetFeed(ctx context.Context, db *gorm.DB, f FeedFilter, offset, limit int) ([]domain.Post, int64, error) {
	return GetFeed(ctx, db, f, offset, limit)
}

func (Store) GetFeedCursor(ctx context.Context, db *gorm.DB, f FeedFilter, cursor string, limit int) (*CursorPage, error) {
	return GetFeedCursor(ctx, db, f, cursor, limit)
}

func (Store) FeedStats(ctx context.Context, db *gorm.DB, f FeedFilter) (int64, *time.Time, error) {
	return FeedStats(ctx, db, f)
}

func (Store) ListRecentPublic(ctx context.Context, db *gorm.DB, limit int) ([]domain.Post, error) {
	return ListRecentPublic(ctx, db, limit)
}

func (Store) CreateChannel(ctx context.Context, db *gorm.DB, name string, isPublic bool) (*domain.Channel, bool, error) {
	return CreateChannel(ctx, db, name, isPublic)
}

func (Store) GetChannel(ctx context.Context, db *gorm.DB, id string) (*domain.Channel, error) {
	return GetChannel(ctx, db, id)
}

func (Store) ListChannels(ctx context.Context, db *gorm.DB) ([]domain.Channel, error) {
	return ListChannels(ctx, db)
}

func (Store) AddChannelMember(ctx context.Context, db *gorm.DB, channelID, memberID string, kind domain.MemberKind) error {
	return AddChannelMember(ctx, db, channelID, memberID, kind)
}

func (Store) IsChannelMember(ctx context.Context, db *gorm.DB, channelID, memberID string) (bool, error) {
	return IsChannelMember(ctx, db, channelID, memberID)
}

func (Store) AddReply(ctx context.Context, db *gorm.DB, postID, senderID, content string) (*domain.Reply, error) {
	return AddReply(ctx, db, postID, senderID, content)
}

func (Store) ListReplies(ctx context.Context, db *gorm.DB, postID string) ([]domain.Reply, error) {
	return ListReplies(ctx, db, postID)
}

func (Store) AddReaction(ctx context.Context, db *gorm.DB, postID, actorID, kind string) (bool, error) {
	return AddReaction(ctx, db, postID, actorID, kind)
}

func (Store) ListReactions(ctx context.Context, db *gorm.DB, postID string) ([]domain.Reaction, error) {
	return ListReactions(ctx, db, postID)
}

func (Store) CountReactions(ctx context.Context, db *gorm.DB, postID string) ([]ReactionCount, error) {
	return CountReactions(ctx, db, postID)
}

func (Store) GetIdempotency(ctx context.Context, db *gorm.DB, senderID, key string, at time.Time) (*domain.Idempotency, error) {
	return GetIdempotency(ctx, db, senderID, key, at)
}

func (Store) CreateIdempotency(ctx context.Context, db *gorm.DB, senderID, key, postID string, status int, ttl time.Duration) (*domain.Idempotency, error) {
	return CreateIdempotency(ctx, db, senderID, key, postID, status, ttl)
}
