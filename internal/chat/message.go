package chat

import (
	"strings"
	"time"

	"github.com/tbourn/helpbudy-patient/internal/domain"
	"github.com/tbourn/helpbudy-patient/internal/sysutil"
)

// wireMessage accepts the field spellings servers use for chat messages.
type wireMessage struct {
	ID              string             `json:"id"`
	MessageID       string             `json:"_id"`
	ClientMessageID string             `json:"clientMessageId"`
	ServiceID       string             `json:"serviceId"`
	SenderID        string             `json:"senderId"`
	SenderType      domain.SenderType  `json:"senderType"`
	MessageText     string             `json:"messageText"`
	Content         string             `json:"content"`
	MessageType     domain.MessageType `json:"messageType"`
	FileURL         string             `json:"fileUrl"`
	FileName        string             `json:"fileName"`
	FileSize        int64              `json:"fileSize"`
	MimeType        string             `json:"mimeType"`
	IsRead          bool               `json:"isRead"`
	CreatedAt       time.Time          `json:"createdAt"`
}

// normalize maps w onto the one message shape delivered to subscribers.
// serviceID fills in a missing room id.
func (w wireMessage) normalize(serviceID string) domain.Message {
	m := domain.Message{
		ID:              sysutil.FirstNonEmpty(w.ID, w.MessageID),
		ClientMessageID: w.ClientMessageID,
		ServiceID:       sysutil.FirstNonEmpty(w.ServiceID, serviceID),
		SenderID:        w.SenderID,
		SenderType:      domain.SenderType(strings.ToUpper(string(w.SenderType))),
		Content:         sysutil.FirstNonEmpty(w.MessageText, w.Content),
		MessageType:     domain.MessageType(strings.ToUpper(string(w.MessageType))),
		FileURL:         w.FileURL,
		FileName:        w.FileName,
		FileSize:        w.FileSize,
		MimeType:        w.MimeType,
		IsRead:          w.IsRead,
		CreatedAt:       w.CreatedAt,
	}
	if !m.MessageType.Valid() {
		m.MessageType = inferType(m.FileURL, m.MimeType)
	}
	if m.FileURL != "" && m.FileName == "" {
		m.FileName = fileNameFromURL(m.FileURL)
	}
	return m
}
