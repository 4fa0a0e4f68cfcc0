// Package domain defines the data model shared by the agent's components:
// chat messages, the client-side key/value rows that back session storage,
// service requests, identity, and location samples. The persisted types are
// mapped with GORM and form the local data layer.
package domain

import (
	"strings"
	"time"
)

// SenderType identifies which side of a service authored a chat message.
type SenderType string

const (
	SenderPatient SenderType = "PATIENT"
	SenderHelper  SenderType = "HELPER"
)

// MessageType is the payload kind of a chat message.
type MessageType string

const (
	MessageText     MessageType = "TEXT"
	MessageImage    MessageType = "IMAGE"
	MessageFile     MessageType = "FILE"
	MessageVoice    MessageType = "VOICE"
	MessageTemplate MessageType = "TEMPLATE"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageVoice, MessageTemplate:
		return true
	}
	return false
}

// TempIDPrefix marks locally generated, not yet acknowledged messages.
const TempIDPrefix = "temp-"

// Message is a single chat entry exchanged within a service's chat room.
//
// Fields:
//   - ID: server-assigned id, or TempIDPrefix + uuid while pending.
//   - ClientMessageID: correlation id generated on send and echoed by servers
//     that support it; empty for messages authored elsewhere.
//   - ServiceID: the service the chat belongs to (indexed with CreatedAt).
//   - SenderID / SenderType: author identity.
//   - Content: text body (wire name messageText).
//   - File*: attachment metadata for IMAGE/FILE/VOICE messages.
//   - IsRead: read receipt state as last reported by the server.
type Message struct {
	ID              string      `json:"id"                        gorm:"type:varchar(64);primaryKey"`
	ClientMessageID string      `json:"clientMessageId,omitempty" gorm:"type:varchar(64);index"`
	ServiceID       string      `json:"serviceId"                 gorm:"type:varchar(64);not null;index:idx_service_msgs,priority:1"`
	SenderID        string      `json:"senderId"                  gorm:"type:varchar(64);not null"`
	SenderType      SenderType  `json:"senderType"                gorm:"type:varchar(16);not null"`
	Content         string      `json:"messageText"               gorm:"type:text;not null"`
	MessageType     MessageType `json:"messageType"               gorm:"type:varchar(16);not null;default:'TEXT'"`
	FileURL         string      `json:"fileUrl,omitempty"`
	FileName        string      `json:"fileName,omitempty"`
	FileSize        int64       `json:"fileSize,omitempty"`
	MimeType        string      `json:"mimeType,omitempty"`
	IsRead          bool        `json:"isRead"`
	CreatedAt       time.Time   `json:"createdAt"                 gorm:"index:idx_service_msgs,priority:2"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "chat_messages" }

// IsTemporary reports whether m is an optimistic local entry.
func (m Message) IsTemporary() bool { return strings.HasPrefix(m.ID, TempIDPrefix) }

// KVEntry is one row of client-side persistent storage (tokens, user id,
// active service id). It plays the role browser local storage plays for a
// web client.
type KVEntry struct {
	Key       string    `gorm:"type:varchar(128);primaryKey"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the database table name for KVEntry.
func (KVEntry) TableName() string { return "client_storage" }
