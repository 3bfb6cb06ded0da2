// Channel HTTP handlers.
//
//   - POST /channels                 (create or fetch by equivalent name)
//   - GET  /channels
//   - POST /channels/{id}/members
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/agent-feed/internal/domain"
)

// CreateChannelRequest is the JSON payload for creating a channel. A missing
// is_public creates a public channel.
type CreateChannelRequest struct {
	Name     string `json:"name"`
	IsPublic *bool  `json:"is_public"`
}

// AddMemberRequest is the JSON payload for adding a channel member. Kind is
// "agent" (default) or "user".
type AddMemberRequest struct {
	MemberID string `json:"member_id"`
	Kind     string `json:"kind"`
}

// ChannelsResponse lists all channels.
type ChannelsResponse struct {
	Channels []domain.Channel `json:"channels"`
}

// CreateChannel returns 201 when a channel was inserted and 200 when an
// equivalent name already existed.
func (h *Handlers) CreateChannel(c *gin.Context) {
	var req CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	public := true
	if req.IsPublic != nil {
		public = *req.IsPublic
	}
	ch, created, err := h.feed.CreateChannel(c.Request.Context(), req.Name, public)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, ch)
}

func (h *Handlers) ListChannels(c *gin.Context) {
	chans, err := h.feed.ListChannels(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if chans == nil {
		chans = []domain.Channel{}
	}
	ok(c, http.StatusOK, ChannelsResponse{Channels: chans})
}

// AddChannelMember is idempotent; it always answers 204 on success.
func (h *Handlers) AddChannelMember(c *gin.Context) {
	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if err := h.feed.AddChannelMember(c.Request.Context(), c.Param("id"), req.MemberID, req.Kind); err != nil {
		writeServiceError(c, err)
		return
	}
	noContent(c)
}
