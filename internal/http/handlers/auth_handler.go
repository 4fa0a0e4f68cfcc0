// Auth HTTP handlers.
//
//   - POST /api/auth/otp     (send a passcode)
//   - POST /api/auth/verify  (exchange it for a session)
//   - GET  /api/auth/me      (current identity)
//   - POST /api/auth/logout
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequestOTPRequest is the payload of POST /api/auth/otp.
type RequestOTPRequest struct {
	Phone string `json:"phone" binding:"required"`
}

// VerifyOTPRequest is the payload of POST /api/auth/verify.
type VerifyOTPRequest struct {
	Phone string `json:"phone" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

// RequestOTP asks the backend to text a passcode.
func (h *Handlers) RequestOTP(c *gin.Context) {
	var req RequestOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "phone required")
		return
	}
	if err := h.auth.RequestOTP(c.Request.Context(), req.Phone); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusAccepted, gin.H{"status": "sent"})
}

// VerifyOTP signs in and returns the user.
func (h *Handlers) VerifyOTP(c *gin.Context) {
	var req VerifyOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "phone and code required")
		return
	}
	u, err := h.auth.VerifyOTP(c.Request.Context(), req.Phone, req.Code)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"user": u})
}

// Me returns the signed-in user.
func (h *Handlers) Me(c *gin.Context) {
	u, err := h.auth.Me(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"user": u})
}

// Logout ends the session.
func (h *Handlers) Logout(c *gin.Context) {
	if err := h.auth.Logout(c.Request.Context()); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
