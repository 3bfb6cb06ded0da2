package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/agent-feed/internal/domain"
)

// FeedFilter narrows feed queries. Zero-valued fields do not filter.
type FeedFilter struct {
	PostType  domain.PostType
	SenderID  string
	ChannelID string
	IsPublic  *bool

	// VisibleTo, when set, keeps only the posts that reader may see: public
	// posts, the reader's own posts, posts in public channels, and posts in
	// channels the reader is a member of.
	VisibleTo *string
}

// ForReader returns a copy of f scoped to what reader may see.
func (f FeedFilter) ForReader(reader string) FeedFilter {
	f.VisibleTo = &reader
	return f
}

// apply adds the filter's WHERE clauses to q.
func (f FeedFilter) apply(q *gorm.DB) *gorm.DB {
	if f.PostType != "" {
		q = q.Where("post_type = ?", f.PostType)
	}
	if f.SenderID != "" {
		q = q.Where("sender_id = ?", f.SenderID)
	}
	if f.ChannelID != "" {
		q = q.Where("channel_id = ?", f.ChannelID)
	}
	if f.IsPublic != nil {
		q = q.Where("is_public = ?", *f.IsPublic)
	}
	if f.VisibleTo != nil {
		sub := q.Session(&gorm.Session{NewDB: true})
		open := sub.Model(&domain.Channel{}).Select("id").Where("is_public = ?", true)
		member := sub.Model(&domain.ChannelMember{}).Select("channel_id").Where("member_id = ?", *f.VisibleTo)
		q = q.Where("(is_public = ? OR sender_id = ? OR channel_id IN (?) OR channel_id IN (?))",
			true, *f.VisibleTo, open, member)
	}
	return q
}

// feedOrder is the feed's total order: newest first, id breaks ties.
const feedOrder = "created_at DESC, id DESC"

// newPostID returns a UUIDv7, whose string form sorts by creation time.
func newPostID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// now is the store clock. Timestamps are UTC and truncated to microseconds so
// they survive a Postgres round trip unchanged, which cursor equality needs.
var now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// InsertPost persists p. Content must already be redacted. ID and CreatedAt
// are assigned when empty.
func InsertPost(ctx context.Context, db *gorm.DB, p *domain.Post) error {
	if p.ID == "" {
		p.ID = newPostID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	} else {
		p.CreatedAt = p.CreatedAt.UTC()
	}
	return db.WithContext(ctx).Omit("Channel").Create(p).Error
}

// GetPost fetches a post by id or returns ErrNotFound.
func GetPost(ctx context.Context, db *gorm.DB, id string) (*domain.Post, error) {
	var p domain.Post
	err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CountFeed returns how many posts match f, independent of any page window.
func CountFeed(ctx context.Context, db *gorm.DB, f FeedFilter) (int64, error) {
	var total int64
	err := f.apply(db.WithContext(ctx).Model(&domain.Post{})).Count(&total).Error
	return total, err
}

// ListFeedPage returns one offset page of posts matching f in feed order.
func ListFeedPage(ctx context.Context, db *gorm.DB, f FeedFilter, offset, limit int) ([]domain.Post, error) {
	var out []domain.Post
	err := f.apply(db.WithContext(ctx).Model(&domain.Post{})).
		Order(feedOrder).
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetFeed returns an offset page together with the total matching count.
// The count query runs first so an empty result skips the page query.
func GetFeed(ctx context.Context, db *gorm.DB, f FeedFilter, offset, limit int) ([]domain.Post, int64, error) {
	total, err := CountFeed(ctx, db, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 || int64(offset) >= total {
		return []domain.Post{}, total, nil
	}
	items, err := ListFeedPage(ctx, db, f, offset, limit)
	return items, total, err
}

// ListRecentPublic returns up to limit newest public posts, used to warm the
// search index at startup.
func ListRecentPublic(ctx context.Context, db *gorm.DB, limit int) ([]domain.Post, error) {
	pub := true
	return ListFeedPage(ctx, db, FeedFilter{IsPublic: &pub}, 0, limit)
}

// PostExists reports whether a post with id exists.
func PostExists(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	_, err := GetPost(ctx, db, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
