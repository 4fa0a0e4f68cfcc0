package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/helpbudy-patient/internal/repo"
)

// SQLStore persists values in the client_storage table.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore wraps an already migrated database handle.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, error) {
	v, err := repo.GetValue(ctx, s.db, key)
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	return repo.SetValue(ctx, s.db, key, value)
}

func (s *SQLStore) Delete(ctx context.Context, keys ...string) error {
	return repo.DeleteValues(ctx, s.db, keys...)
}
