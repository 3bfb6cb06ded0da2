// Redaction HTTP handlers.
//
//   - POST /redact                   (mask sensitive values in free text)
//   - GET  /redact/allowlist
//   - POST /redact/allowlist         (exempt a value)
package handlers

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/agent-feed/internal/http/middleware"
)

// maxRedactRunes caps the standalone redaction input.
const maxRedactRunes = 100_000

// RedactRequest is the JSON payload for POST /redact.
type RedactRequest struct {
	Text string `json:"text"`
}

// AllowlistRequest adds one value to the allowlist.
type AllowlistRequest struct {
	Value string `json:"value"`
}

// AllowlistResponse lists exempt values.
type AllowlistResponse struct {
	Values []string `json:"values"`
}

// Redact masks sensitive values in text. The original text is never echoed.
func (h *Handlers) Redact(c *gin.Context) {
	var req RedactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if utf8.RuneCountInString(req.Text) > maxRedactRunes {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeValidation, "text too long")
		return
	}
	ok(c, http.StatusOK, h.red.Redact(req.Text))
}

func (h *Handlers) GetAllowlist(c *gin.Context) {
	vals := h.red.Allowlist()
	if vals == nil {
		vals = []string{}
	}
	ok(c, http.StatusOK, AllowlistResponse{Values: vals})
}

// AddAllowlist exempts a value from redaction for every later call,
// including post submission.
func (h *Handlers) AddAllowlist(c *gin.Context) {
	var req AllowlistRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Value) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "value required")
		return
	}
	h.red.Allow(req.Value)
	middleware.LoggerFrom(c).Info().Int("allowlist_size", len(h.red.Allowlist())).Msg("redaction allowlist updated")
	ok(c, http.StatusCreated, AllowlistResponse{Values: h.red.Allowlist()})
}
