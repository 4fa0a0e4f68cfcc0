// Chat HTTP handlers.
//
//   - GET  /api/chat/messages  (local history, paginated)
//   - POST /api/chat/messages  (JSON text message, or multipart with a file)
//   - POST /api/chat/read      (read receipt for the current room)
//   - POST /api/chat/typing    (typing indicator on/off)
//
// Messages go to the current room unless service_id is given.
package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/helpbudy-patient/internal/domain"
	"github.com/tbourn/helpbudy-patient/internal/utils"
)

const maxUploadBytes = 10 << 20

// PostMessageRequest is the JSON payload for a text message.
type PostMessageRequest struct {
	Content   string `json:"content" binding:"required"`
	ServiceID string `json:"serviceId"`
}

// TypingRequest toggles the typing indicator.
type TypingRequest struct {
	Typing bool `json:"typing"`
}

// Pagination is the page metadata of list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// ListMessagesResponse is a page of stored chat messages.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// normalizeNewlines converts CRLF/CR to LF and collapses blank runs.
func normalizeNewlines(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return nlCollapseRE.ReplaceAllString(s, "\n\n")
}

// ListMessages returns a page of the local chat history.
func (h *Handlers) ListMessages(c *gin.Context) {
	page, pageSize := clampPagination(c)
	msgs, total, err := h.msgs.ListPage(c.Request.Context(), c.Query("service_id"), page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: msgs,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: utils.TotalPages(total, pageSize),
		},
	})
}

// PostMessage sends a message. A multipart body with a "file" part sends an
// attachment, with the optional "content" field as caption.
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		h.postFile(c)
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	m, err := h.msgs.Send(ctx, req.ServiceID, normalizeNewlines(req.Content))
	if err != nil {
		failErr(c, err)
		return
	}
	respondSent(c, m)
}

func (h *Handlers) postFile(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "file part required")
		return
	}
	if fh.Size > maxUploadBytes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("file too large: max %d bytes", maxUploadBytes))
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable file part")
		return
	}
	defer f.Close()

	mimeType := fh.Header.Get("Content-Type")
	caption := normalizeNewlines(c.PostForm("content"))
	m, err := h.msgs.SendFile(c.Request.Context(), c.PostForm("serviceId"), fh.Filename, mimeType, f, caption)
	if err != nil {
		failErr(c, err)
		return
	}
	respondSent(c, m)
}

// respondSent answers 201 with the stored message, or 202 when the server
// acknowledged without returning one.
func respondSent(c *gin.Context, m *domain.Message) {
	if m == nil {
		ok(c, http.StatusAccepted, gin.H{"status": "sent"})
		return
	}
	ok(c, http.StatusCreated, gin.H{"message": m})
}

// MarkRead sends a read receipt for the current room.
func (h *Handlers) MarkRead(c *gin.Context) {
	if err := h.msgs.MarkRead(c.Request.Context()); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// Typing toggles the typing indicator.
func (h *Handlers) Typing(c *gin.Context) {
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload")
		return
	}
	if err := h.msgs.Typing(c.Request.Context(), req.Typing); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
