// Feed HTTP handlers.
//
//   - GET /feed          (offset pages, weak ETag)
//   - GET /feed/cursor   (keyset pages)
//   - GET /feed/search   (ranked text search)
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/agent-feed/internal/domain"
	"github.com/tbourn/agent-feed/internal/http/middleware"
	"github.com/tbourn/agent-feed/internal/repo"
	"github.com/tbourn/agent-feed/internal/services"
	"github.com/tbourn/agent-feed/internal/utils"
)

// FeedResponse wraps a page of posts and pagination information.
type FeedResponse struct {
	Posts      []domain.Post `json:"posts"`
	Pagination Pagination    `json:"pagination"`
}

// SearchResponse lists matching posts best first.
type SearchResponse struct {
	Query string               `json:"query"`
	Hits  []services.SearchHit `json:"hits"`
}

// feedFilter reads post_type, sender_id, channel_id and is_public.
func feedFilter(c *gin.Context) (repo.FeedFilter, bool) {
	var f repo.FeedFilter
	if raw := c.Query("post_type"); raw != "" {
		pt, err := domain.ParsePostType(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown post_type")
			return f, false
		}
		f.PostType = pt
	}
	pub, err := utils.OptionalBool(c.Query("is_public"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "is_public must be a boolean")
		return f, false
	}
	f.IsPublic = pub
	f.SenderID = strings.TrimSpace(c.Query("sender_id"))
	f.ChannelID = strings.TrimSpace(c.Query("channel_id"))
	return f, true
}

// GetFeed returns one offset page, newest first. It honors If-None-Match
// against a weak ETag derived from the filtered feed's size and newest post.
func (h *Handlers) GetFeed(c *gin.Context) {
	ctx := c.Request.Context()
	f, valid := feedFilter(c)
	if !valid {
		return
	}
	page, requested := utils.PageParams(c.Query("page"), c.Query("page_size"))
	pageSize := h.feed.PageSize(requested)

	// Computed before the read so a cached page is never newer than its tag.
	reader := readerID(c)
	etag, etagErr := h.feed.FeedETag(ctx, f, reader)

	posts, total, err := h.feed.GetFeed(ctx, services.FeedQuery{
		Filter:   f,
		ReaderID: reader,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	if etagErr == nil {
		// the visible set, and so the tag, depends on who is reading
		c.Writer.Header().Add("Vary", middleware.HeaderAgentID)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	if posts == nil {
		posts = []domain.Post{}
	}
	ok(c, http.StatusOK, FeedResponse{Posts: posts, Pagination: newPagination(page, pageSize, total)})
}

// GetFeedCursor returns the page strictly older than ?cursor. A malformed
// cursor restarts from the newest post.
func (h *Handlers) GetFeedCursor(c *gin.Context) {
	f, valid := feedFilter(c)
	if !valid {
		return
	}
	limit := utils.AtoiDefault(c.Query("limit"), 0)
	p, err := h.feed.GetFeedCursor(c.Request.Context(), f, readerID(c), c.Query("cursor"), limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if p.Posts == nil {
		p.Posts = []domain.Post{}
	}
	ok(c, http.StatusOK, p)
}

// SearchFeed ranks public posts against ?q.
func (h *Handlers) SearchFeed(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "q is required")
		return
	}
	hits, err := h.feed.Search(c.Request.Context(), q, utils.AtoiDefault(c.Query("limit"), 0))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, SearchResponse{Query: q, Hits: hits})
}
