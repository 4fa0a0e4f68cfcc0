package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"github.com/tbourn/helpbudy-patient/internal/domain"
)

// --- auth ---

// RequestOTP asks the backend to text a one-time passcode to phone.
func (c *Client) RequestOTP(ctx context.Context, phone string) error {
	return c.Do(ctx, http.MethodPost, "/auth/request-otp", map[string]string{"phone": phone}).Err()
}

// VerifyOTP exchanges a passcode for a session and the typed user claims.
// Persisting the session is left to the caller.
func (c *Client) VerifyOTP(ctx context.Context, phone, code string) (*domain.AuthResult, error) {
	var out domain.AuthResult
	r := c.Do(ctx, http.MethodPost, "/auth/verify-otp", map[string]string{"phone": phone, "otp": code})
	if err := r.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*domain.User, error) {
	var out domain.User
	if err := c.Do(ctx, http.MethodGet, pathIdentity, nil).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout ends the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	return c.Do(ctx, http.MethodPost, "/auth/logout", nil).Err()
}

// --- services ---

// CreateService requests a helper.
func (c *Client) CreateService(ctx context.Context, in domain.CreateServiceInput) (*domain.ServiceRequest, error) {
	var out domain.ServiceRequest
	if err := c.Do(ctx, http.MethodPost, "/services", in).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActiveService returns the patient's ongoing service, or nil when there is none.
func (c *Client) ActiveService(ctx context.Context) (*domain.ServiceRequest, error) {
	var out *domain.ServiceRequest
	r := c.Do(ctx, http.MethodGet, "/services/active", nil)
	if r.Status == http.StatusNotFound {
		return nil, nil
	}
	if err := r.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetService fetches a service by id.
func (c *Client) GetService(ctx context.Context, id string) (*domain.ServiceRequest, error) {
	var out domain.ServiceRequest
	if err := c.Do(ctx, http.MethodGet, "/services/"+url.PathEscape(id), nil).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelService cancels a service that has not completed.
func (c *Client) CancelService(ctx context.Context, id, reason string) (*domain.ServiceRequest, error) {
	var out domain.ServiceRequest
	body := map[string]string{"reason": reason}
	if err := c.Do(ctx, http.MethodPost, "/services/"+url.PathEscape(id)+"/cancel", body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PayService settles the fare.
func (c *Client) PayService(ctx context.Context, id string, in domain.PaymentInput) (*domain.Payment, error) {
	var out domain.Payment
	if err := c.Do(ctx, http.MethodPost, "/services/"+url.PathEscape(id)+"/payment", in).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RateService submits the patient's rating of the helper.
func (c *Client) RateService(ctx context.Context, id string, in domain.RatingInput) error {
	return c.Do(ctx, http.MethodPost, "/services/"+url.PathEscape(id)+"/rate", in).Err()
}

// ServiceHistoryPage is the data of GET /services/history.
type ServiceHistoryPage struct {
	Items      []domain.ServiceRequest `json:"items"`
	Pagination domain.Page             `json:"pagination"`
}

// ServiceHistory lists past services, newest first.
func (c *Client) ServiceHistory(ctx context.Context, page, pageSize int) (*ServiceHistoryPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(pageSize))
	var out ServiceHistoryPage
	if err := c.Do(ctx, http.MethodGet, "/services/history?"+q.Encode(), nil).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- chat ---

// ChatMessages returns the stored chat history of a service, oldest first.
func (c *Client) ChatMessages(ctx context.Context, serviceID string) ([]domain.Message, error) {
	var out []domain.Message
	r := c.Do(ctx, http.MethodGet, "/chat/service/"+url.PathEscape(serviceID)+"/messages", nil)
	if err := r.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// UploadedFile describes an attachment accepted by POST /chat/upload.
type UploadedFile struct {
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

// UploadChatFile uploads an attachment for a chat message. The content is
// buffered so the call can be retried after a refresh or a cooldown.
func (c *Client) UploadChatFile(ctx context.Context, serviceID, fileName, mimeType string, content io.Reader) (*UploadedFile, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("serviceId", serviceID); err != nil {
		return nil, err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out UploadedFile
	body := RawBody{ContentType: mw.FormDataContentType(), Data: buf.Bytes()}
	if err := c.Do(ctx, http.MethodPost, "/chat/upload", body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- notifications & analytics ---

// Notifications lists the patient's notification feed.
func (c *Client) Notifications(ctx context.Context) ([]domain.Notification, error) {
	var out []domain.Notification
	if err := c.Do(ctx, http.MethodGet, "/notifications", nil).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkNotificationRead flags one notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.Do(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", nil).Err()
}

// AnalyticsSummary returns aggregate usage figures for the patient.
func (c *Client) AnalyticsSummary(ctx context.Context) (*domain.AnalyticsSummary, error) {
	var out domain.AnalyticsSummary
	if err := c.Do(ctx, http.MethodGet, "/analytics/summary", nil).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
