// Package services – MessageService
//
// MessageService owns the patient's side of a service chat: it sanitizes
// outgoing text, sends through the chat socket client, uploads attachments
// through the request layer and keeps a local copy of the room history in
// SQLite so the UI can page through it without refetching.
//
// Inbound traffic reaches the service through ChatEvents, which the
// composition root passes to the chat client.
//
// Observability: public methods are OpenTelemetry-instrumented with the
// service id and pagination parameters where applicable.
package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/helpbudy-patient/internal/api"
	"github.com/tbourn/helpbudy-patient/internal/auth"
	"github.com/tbourn/helpbudy-patient/internal/chat"
	"github.com/tbourn/helpbudy-patient/internal/domain"
	"github.com/tbourn/helpbudy-patient/internal/repo"
	"github.com/tbourn/helpbudy-patient/internal/utils"
)

// DefaultMaxMessageRunes bounds a chat message when MaxRunes is unset.
const DefaultMaxMessageRunes = 2000

// MessageAPI is the part of the request layer MessageService uses.
type MessageAPI interface {
	ChatMessages(ctx context.Context, serviceID string) ([]domain.Message, error)
	UploadChatFile(ctx context.Context, serviceID, fileName, mimeType string, content io.Reader) (*api.UploadedFile, error)
}

// ChatRoom is the part of the chat client MessageService drives.
type ChatRoom interface {
	Room() string
	SendMessage(ctx context.Context, in chat.Outgoing) chat.Ack
	MarkRead(ctx context.Context) error
	TypingStart(ctx context.Context) error
	TypingStop(ctx context.Context) error
}

// MessageService coordinates chat sends and the local history.
type MessageService struct {
	DB     *gorm.DB
	API    MessageAPI
	Chat   ChatRoom
	Tokens *auth.TokenStore

	MaxRunes int
}

func (s *MessageService) maxRunes() int {
	if s.MaxRunes > 0 {
		return s.MaxRunes
	}
	return DefaultMaxMessageRunes
}

// Sanitize normalizes text to NFC, drops control characters other than
// newline and tab and trims surrounding whitespace.
func Sanitize(text string) string {
	text = norm.NFC.String(text)
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(text)
}

func (s *MessageService) room(serviceID string) (string, error) {
	if serviceID == "" && s.Chat != nil {
		serviceID = s.Chat.Room()
	}
	if serviceID == "" {
		return "", ErrNoActiveService
	}
	return serviceID, nil
}

// Send delivers a text message and stores the acknowledged copy.
func (s *MessageService) Send(ctx context.Context, serviceID, text string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send", trace.WithAttributes(attribute.String("service.id", serviceID)))
	defer span.End()

	text = Sanitize(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > s.maxRunes() {
		return nil, ErrTooLong
	}
	id, err := s.room(serviceID)
	if err != nil {
		return nil, err
	}
	return s.deliver(ctx, chat.Outgoing{ServiceID: id, Content: text, MessageType: domain.MessageText})
}

// SendFile uploads content and sends it as an attachment message with an
// optional caption.
func (s *MessageService) SendFile(ctx context.Context, serviceID, fileName, mimeType string, content io.Reader, caption string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "SendFile", trace.WithAttributes(
		attribute.String("service.id", serviceID),
		attribute.String("file.mime", mimeType),
	))
	defer span.End()

	id, err := s.room(serviceID)
	if err != nil {
		return nil, err
	}
	caption = Sanitize(caption)
	if utf8.RuneCountInString(caption) > s.maxRunes() {
		return nil, ErrTooLong
	}
	up, err := s.API.UploadChatFile(ctx, id, fileName, mimeType, content)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("file.size", up.FileSize))
	return s.deliver(ctx, chat.Outgoing{
		ServiceID: id,
		Content:   caption,
		FileURL:   up.FileURL,
		FileName:  up.FileName,
		FileSize:  up.FileSize,
		MimeType:  up.MimeType,
	})
}

func (s *MessageService) deliver(ctx context.Context, out chat.Outgoing) (*domain.Message, error) {
	ack := s.Chat.SendMessage(ctx, out)
	if !ack.Success {
		return nil, fmt.Errorf("%w: %s", ErrSendFailed, ack.Error)
	}
	if ack.Message == nil {
		// The echo on message:new carries the stored copy.
		return nil, nil
	}
	if err := repo.UpsertMessages(ctx, s.DB, *ack.Message); err != nil {
		log.Warn().Err(err).Str("service_id", out.ServiceID).Msg("store sent message")
	}
	return ack.Message, nil
}

// Seed fetches the room history from the backend, stores it locally and
// returns it oldest first.
func (s *MessageService) Seed(ctx context.Context, serviceID string) ([]domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Seed", trace.WithAttributes(attribute.String("service.id", serviceID)))
	defer span.End()

	msgs, err := s.API.ChatMessages(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ServiceID == "" {
			msgs[i].ServiceID = serviceID
		}
	}
	if err := repo.UpsertMessages(ctx, s.DB, msgs...); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("messages", len(msgs)))
	return msgs, nil
}

// ListPage returns a page of the local history for serviceID and the total
// number of stored messages.
func (s *MessageService) ListPage(ctx context.Context, serviceID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("service.id", serviceID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	id, err := s.room(serviceID)
	if err != nil {
		return nil, 0, err
	}
	page, pageSize = utils.ClampPage(page, pageSize)
	total, err := repo.CountMessages(ctx, s.DB, id)
	if err != nil {
		return nil, 0, err
	}
	msgs, err := repo.ListMessagesPage(ctx, s.DB, id, utils.Offset(page, pageSize), pageSize)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// MarkRead sends a read receipt for the current room.
func (s *MessageService) MarkRead(ctx context.Context) error {
	if err := s.Chat.MarkRead(ctx); err != nil {
		return ErrNoActiveService
	}
	return nil
}

// Typing toggles the patient's typing indicator in the current room.
func (s *MessageService) Typing(ctx context.Context, typing bool) error {
	var err error
	if typing {
		err = s.Chat.TypingStart(ctx)
	} else {
		err = s.Chat.TypingStop(ctx)
	}
	if err != nil {
		return ErrNoActiveService
	}
	return nil
}

// Store keeps an inbound message. Optimistic entries never reach storage.
func (s *MessageService) Store(ctx context.Context, m domain.Message) error {
	if m.IsTemporary() || m.ID == "" {
		return nil
	}
	return repo.UpsertMessages(ctx, s.DB, m)
}

// HandleRead flips the patient's own stored messages in serviceID to read.
func (s *MessageService) HandleRead(ctx context.Context, serviceID string) error {
	uid := s.Tokens.UserID(ctx)
	if uid == "" || serviceID == "" {
		return nil
	}
	_, err := repo.MarkSenderMessagesRead(ctx, s.DB, serviceID, uid)
	return err
}

// ChatEvents adapts Store and HandleRead to the chat client's callbacks.
func (s *MessageService) ChatEvents() chat.Events {
	return chat.Events{
		OnMessage: func(m domain.Message) {
			if err := s.Store(context.Background(), m); err != nil {
				log.Warn().Err(err).Str("message_id", m.ID).Msg("store inbound message")
			}
		},
		OnMessagesRead: func(serviceID string) {
			if err := s.HandleRead(context.Background(), serviceID); err != nil {
				log.Warn().Err(err).Str("service_id", serviceID).Msg("apply read receipt")
			}
		},
	}
}
