package repo

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/agent-feed/internal/domain"
)

// Cursor is the sort key of the last post a reader has seen.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorPage is one page of a cursor walk. NextCursor is set only when
// HasMore is true.
type CursorPage struct {
	Posts      []domain.Post `json:"posts"`
	HasMore    bool          `json:"has_more"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// String encodes c as base64url("<RFC3339Nano>:<id>").
func (c Cursor) String() string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// CursorFor returns the cursor anchored on p.
func CursorFor(p *domain.Post) Cursor {
	return Cursor{CreatedAt: p.CreatedAt, ID: p.ID}
}

// ParseCursor decodes an opaque cursor. Both the base64url form produced by
// Cursor.String and the raw "<timestamp>:<id>" form are accepted.
//
// The timestamp itself contains colons, so the id is whatever follows the
// last colon. Splitting at the first colon would cut the timestamp after the
// hour and every later page would come back empty.
func ParseCursor(s string) (Cursor, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cursor{}, false
	}
	raw := s
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil && strings.Contains(string(b), ":") {
		raw = string(b)
	}
	i := strings.LastIndex(raw, ":")
	if i <= 0 || i == len(raw)-1 {
		return Cursor{}, false
	}
	ts, id := raw[:i], raw[i+1:]
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Cursor{}, false
	}
	return Cursor{CreatedAt: t.UTC(), ID: id}, true
}

// GetFeedCursor returns up to limit posts matching f that are strictly older
// than cursor in feed order. An empty or malformed cursor starts from the
// newest post.
//
// Concurrent inserts are always newer than any served anchor, so a walk
// never sees a post twice and never skips one that existed when it started.
func GetFeedCursor(ctx context.Context, db *gorm.DB, f FeedFilter, cursor string, limit int) (*CursorPage, error) {
	if limit <= 0 {
		limit = 20
	}
	q := f.apply(db.WithContext(ctx).Model(&domain.Post{}))
	if c, ok := ParseCursor(cursor); ok {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", c.CreatedAt, c.CreatedAt, c.ID)
	}

	// One extra row tells us whether another page exists.
	var rows []domain.Post
	if err := q.Order(feedOrder).Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, err
	}

	page := &CursorPage{Posts: rows}
	if len(rows) > limit {
		page.Posts = rows[:limit]
		page.HasMore = true
		page.NextCursor = CursorFor(&page.Posts[limit-1]).String()
	}
	return page, nil
}
