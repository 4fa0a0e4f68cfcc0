// Service request HTTP handlers.
//
//   - POST /api/services                (request a helper)
//   - GET  /api/services/active         (current service with live state)
//   - POST /api/services/active/cancel
//   - POST /api/services/active/pay
//   - POST /api/services/active/rate    (1..5 stars, once per service)
//   - GET  /api/services/history        (paginated)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/helpbudy-patient/internal/services"
	"github.com/tbourn/helpbudy-patient/internal/utils"
)

// CancelRequest is the payload of the cancel endpoint.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// PayRequest is the payload of the pay endpoint.
type PayRequest struct {
	Method    string `json:"method" binding:"required"`
	Reference string `json:"reference"`
}

// RateRequest is the payload of the rate endpoint. The binding enforces the
// star range at the edge; the service checks it again.
type RateRequest struct {
	Rating  int    `json:"rating" binding:"required,min=1,max=5"`
	Comment string `json:"comment"`
}

// CreateService requests a helper. Missing pickup coordinates are filled
// from the device location.
func (h *Handlers) CreateService(c *gin.Context) {
	var req services.RequestInput
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid service request")
		return
	}
	svc, err := h.flow.RequestHelper(c.Request.Context(), req)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, svc)
}

// ActiveService returns the current service, the helper's position and the
// distance to it.
func (h *Handlers) ActiveService(c *gin.Context) {
	st, err := h.flow.Active(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// CancelService cancels the current service.
func (h *Handlers) CancelService(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload")
			return
		}
	}
	svc, err := h.flow.Cancel(c.Request.Context(), req.Reason)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, svc)
}

// PayService settles the current service.
func (h *Handlers) PayService(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "payment method required")
		return
	}
	p, err := h.flow.Pay(c.Request.Context(), req.Method, req.Reference)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// RateService rates the completed service.
func (h *Handlers) RateService(c *gin.Context) {
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "rating must be between 1 and 5")
		return
	}
	if err := h.flow.Rate(c.Request.Context(), req.Rating, req.Comment); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// ServiceHistory lists past services.
func (h *Handlers) ServiceHistory(c *gin.Context) {
	page, pageSize := clampPagination(c)
	res, err := h.flow.History(c.Request.Context(), page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ParsePage(c.Query("page"), c.Query("page_size"))
}
