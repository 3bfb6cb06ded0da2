package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/agent-feed/internal/services"
)

// SubmitOperation accepts an operation record from an agent. The outcome
// (posted, not_significant, rate_limited) is reported in the body; a
// suppressed record is still a successful submission, so only "posted"
// answers 201.
func (h *Handlers) SubmitOperation(c *gin.Context) {
	var rec services.OperationRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	res, err := h.ops.SubmitOperationRecord(c.Request.Context(), rec)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == services.OutcomePosted {
		status = http.StatusCreated
	}
	ok(c, status, res)
}
