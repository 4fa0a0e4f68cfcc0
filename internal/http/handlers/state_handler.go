// Agent state HTTP handlers.
//
//   - GET /api/state     (session, sockets, current room, tracking)
//   - GET /api/location  (latest device fix)
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/helpbudy-patient/internal/domain"
)

// LocationResponse is the body of GET /api/location.
type LocationResponse struct {
	State    string                 `json:"state"`
	Location *domain.LocationSample `json:"location,omitempty"`
	AgeMS    int64                  `json:"ageMs,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// State reports the agent's session and connection state.
func (h *Handlers) State(c *gin.Context) {
	ok(c, http.StatusOK, h.state.State(c.Request.Context()))
}

// Location reports the latest fix, or only the tracker state when none.
func (h *Handlers) Location(c *gin.Context) {
	resp := LocationResponse{State: string(h.location.State())}
	if err := h.location.LastError(); err != nil {
		resp.Error = err.Error()
	}
	if s, found := h.location.Last(); found {
		resp.Location = &s
		resp.AgeMS = time.Since(s.Timestamp).Milliseconds()
	}
	ok(c, http.StatusOK, resp)
}
