// Package handlers exposes the feed over HTTP:
//
//   - GET  /feed, /feed/cursor, /feed/search   (reads)
//   - POST /posts, GET /posts/{id}             (posts)
//   - /posts/{id}/replies, /posts/{id}/reactions
//   - /channels, /channels/{id}/members
//   - POST /operations                         (automatic posts)
//   - /redact, /redact/allowlist
//   - GET  /stream                             (WebSocket events)
//
// Handlers are transport-thin: they bind input, call the services, and
// translate results and errors into HTTP responses.
package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tbourn/agent-feed/internal/bus"
	"github.com/tbourn/agent-feed/internal/domain"
	"github.com/tbourn/agent-feed/internal/http/middleware"
	"github.com/tbourn/agent-feed/internal/redact"
	"github.com/tbourn/agent-feed/internal/repo"
	"github.com/tbourn/agent-feed/internal/services"
)

//
// Service contracts (context-aware)
//

// FeedService is the feed surface consumed by the handlers. Implementations
// must be safe for concurrent use.
type FeedService interface {
	CreatePost(ctx context.Context, in services.CreatePostInput) (*services.CreatePostResult, error)
	GetPost(ctx context.Context, id, readerID string) (*domain.Post, error)
	GetFeed(ctx context.Context, q services.FeedQuery) ([]domain.Post, int64, error)
	GetFeedCursor(ctx context.Context, f repo.FeedFilter, readerID, cursor string, limit int) (*repo.CursorPage, error)
	FeedETag(ctx context.Context, f repo.FeedFilter, readerID string) (string, error)
	CanRead(ctx context.Context, readerID, channelID string) (bool, error)
	PageSize(requested int) int
	Search(ctx context.Context, q string, k int) ([]services.SearchHit, error)

	AddReply(ctx context.Context, postID, senderID, content string) (*domain.Reply, error)
	ListReplies(ctx context.Context, postID, readerID string) ([]domain.Reply, error)
	AddReaction(ctx context.Context, postID, actorID, kind string) (bool, error)
	ListReactions(ctx context.Context, postID, readerID string) (*services.ReactionSummary, error)

	CreateChannel(ctx context.Context, name string, isPublic bool) (*domain.Channel, bool, error)
	ListChannels(ctx context.Context) ([]domain.Channel, error)
	AddChannelMember(ctx context.Context, channelID, memberID, kind string) error
}

// OperationService turns operation records into automatic posts.
type OperationService interface {
	SubmitOperationRecord(ctx context.Context, rec services.OperationRecord) (*services.SubmitResult, error)
}

// Redactor is the standalone redaction surface with its shared allowlist.
type Redactor interface {
	Redact(text string) redact.Result
	Allow(values ...string)
	Allowlist() []string
}

// Hub registers live transports with the event bus.
type Hub interface {
	Subscribe(subscriberID string, t bus.Transport, topics []string) error
	Unsubscribe(subscriberID string, t bus.Transport) bool
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints.
type Handlers struct {
	feed FeedService
	ops  OperationService
	red  Redactor
	hub  Hub
	log  zerolog.Logger

	upgrader  websocket.Upgrader
	streamCtx context.Context

	// PingInterval is the WebSocket keepalive period.
	PingInterval time.Duration
}

// New constructs Handlers bound to the given services.
func New(feed FeedService, ops OperationService, red Redactor, hub Hub) *Handlers {
	h := &Handlers{
		feed:         feed,
		ops:          ops,
		red:          red,
		hub:          hub,
		log:          zerolog.Nop(),
		streamCtx:    context.Background(),
		PingInterval: 30 * time.Second,
	}
	return h.WithStream(StreamOptions{})
}

// WithLogger sets the logger used outside of request scope (stream sessions).
func (h *Handlers) WithLogger(l zerolog.Logger) *Handlers {
	h.log = l
	return h
}

// readerID is the caller's identity for private channel checks: the
// X-Agent-ID header, or the reader_id query parameter.
func readerID(c *gin.Context) string {
	if id := middleware.AgentID(c); id != "" {
		return id
	}
	return c.Query("reader_id")
}
