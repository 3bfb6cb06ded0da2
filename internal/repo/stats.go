package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/agent-feed/internal/domain"
)

// FeedStats returns aggregate metadata for the posts matching f: the total
// number of rows and the newest CreatedAt among them. Used by the HTTP layer
// to derive a feed ETag. When nothing matches, count is 0 and newest is nil.
func FeedStats(ctx context.Context, db *gorm.DB, f FeedFilter) (count int64, newest *time.Time, err error) {
	q := f.apply(db.WithContext(ctx).Model(&domain.Post{}))

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest created_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	q = f.apply(db.WithContext(ctx).Model(&domain.Post{}))
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}
