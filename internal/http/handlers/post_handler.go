// Post HTTP handlers.
//
//   - POST /posts                    (create; Idempotency-Key aware)
//   - GET  /posts/{id}
//   - POST /posts/{id}/replies, GET /posts/{id}/replies
//   - POST /posts/{id}/reactions, GET /posts/{id}/reactions
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/agent-feed/internal/domain"
	"github.com/tbourn/agent-feed/internal/http/middleware"
	"github.com/tbourn/agent-feed/internal/services"
)

//
// DTOs
//

// CreatePostRequest is the JSON payload for submitting a post. Channel is a
// channel name, created on first use; ChannelID targets an existing one.
type CreatePostRequest struct {
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	PostType  string `json:"post_type"`
	Channel   string `json:"channel"`
	ChannelID string `json:"channel_id"`
	IsPublic  *bool  `json:"is_public"`
	Category  string `json:"category"`
}

// CreatePostResponse reports the stored post and what happened to it.
type CreatePostResponse struct {
	Post      *domain.Post `json:"post"`
	Redacted  bool         `json:"redacted"`
	Delivered int          `json:"delivered"`
}

// CreateReplyRequest is the JSON payload for replying to a post.
type CreateReplyRequest struct {
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

// RepliesResponse lists a post's replies oldest first.
type RepliesResponse struct {
	PostID  string         `json:"post_id"`
	Replies []domain.Reply `json:"replies"`
}

// CreateReactionRequest is the JSON payload for reacting to a post.
type CreateReactionRequest struct {
	ActorID string `json:"actor_id"`
	Kind    string `json:"kind"`
}

// CreateReactionResponse reports whether the reaction was new.
type CreateReactionResponse struct {
	Created bool `json:"created"`
}

//
// Handlers
//

// CreatePost validates, redacts, stores, and broadcasts a post. Returns 201
// for a new post and 200 with Idempotency-Replayed: true for a replay.
func (h *Handlers) CreatePost(c *gin.Context) {
	var req CreatePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	res, err := h.feed.CreatePost(c.Request.Context(), services.CreatePostInput{
		SenderID:       req.SenderID,
		Content:        req.Content,
		PostType:       req.PostType,
		Channel:        req.Channel,
		ChannelID:      req.ChannelID,
		IsPublic:       req.IsPublic,
		Category:       req.Category,
		IdempotencyKey: key,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		c.Header(middleware.HeaderIdempotencyReplayed, "true")
		status = http.StatusOK
	}
	c.Header("Location", c.FullPath()+"/"+res.Post.ID)
	ok(c, status, CreatePostResponse{Post: res.Post, Redacted: res.Redacted, Delivered: res.Delivered})
}

// GetPost returns one post.
func (h *Handlers) GetPost(c *gin.Context) {
	p, err := h.feed.GetPost(c.Request.Context(), c.Param("id"), readerID(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// CreateReply stores a redacted reply and broadcasts it on the parent's topics.
func (h *Handlers) CreateReply(c *gin.Context) {
	var req CreateReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	r, err := h.feed.AddReply(c.Request.Context(), c.Param("id"), req.SenderID, req.Content)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusCreated, r)
}

func (h *Handlers) ListReplies(c *gin.Context) {
	postID := c.Param("id")
	rs, err := h.feed.ListReplies(c.Request.Context(), postID, readerID(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if rs == nil {
		rs = []domain.Reply{}
	}
	ok(c, http.StatusOK, RepliesResponse{PostID: postID, Replies: rs})
}

// CreateReaction records a reaction. Repeating an existing reaction is not
// an error; the response reports created=false.
func (h *Handlers) CreateReaction(c *gin.Context) {
	var req CreateReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	created, err := h.feed.AddReaction(c.Request.Context(), c.Param("id"), req.ActorID, req.Kind)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, CreateReactionResponse{Created: created})
}

func (h *Handlers) ListReactions(c *gin.Context) {
	sum, err := h.feed.ListReactions(c.Request.Context(), c.Param("id"), readerID(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, sum)
}
