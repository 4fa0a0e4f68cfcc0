// Package repo implements the local persistence layer. This file provides
// repository functions for the chat history cache.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/helpbudy-patient/internal/domain"
)

// UpsertMessages inserts messages or refreshes the mutable columns of
// existing rows (read state, content edits, attachment fields).
func UpsertMessages(ctx context.Context, db *gorm.DB, msgs ...domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"client_message_id", "content", "message_type", "file_url", "file_name",
			"file_size", "mime_type", "is_read",
		}),
	}).Create(&msgs).Error
}

// ReplaceMessage swaps a temporary row for its acknowledged version in one
// transaction. A missing temporary row is not an error.
func ReplaceMessage(ctx context.Context, db *gorm.DB, tempID string, msg domain.Message) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tempID != "" && tempID != msg.ID {
			if err := tx.Where("id = ?", tempID).Delete(&domain.Message{}).Error; err != nil {
				return err
			}
		}
		return UpsertMessages(ctx, tx, msg)
	})
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, serviceID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM chat_messages WHERE service_id = ?", serviceID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC).
func ListMessagesPage(ctx context.Context, db *gorm.DB, serviceID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("service_id = ?", serviceID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkSenderMessagesRead flips every message of senderID in the service to
// read and returns the number of rows changed.
func MarkSenderMessagesRead(ctx context.Context, db *gorm.DB, serviceID, senderID string) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("service_id = ? AND sender_id = ? AND is_read = ?", serviceID, senderID, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}
