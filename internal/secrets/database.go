package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/caesium-cloud/fleetline/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseStore keeps secrets in the fleetline database.
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore returns a store backed by db.
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	if db == nil {
		panic("secrets database store requires db")
	}
	return &DatabaseStore{db: db}
}

func (s *DatabaseStore) Read(ctx context.Context, clientID, path string) (string, error) {
	if !validPath(clientID, path) {
		return "", ErrAccess
	}

	var secret models.Secret
	err := s.db.WithContext(ctx).First(&secret, "client_id = ? AND path = ?", clientID, path).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrAccess
	}
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return secret.Value, nil
}

func (s *DatabaseStore) Write(ctx context.Context, clientID, path, value string) error {
	if !validPath(clientID, path) {
		return ErrAccess
	}

	secret := &models.Secret{ClientID: clientID, Path: path, Value: value}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(secret).Error
}

func (s *DatabaseStore) Delete(ctx context.Context, clientID, path string) error {
	result := s.db.WithContext(ctx).Delete(&models.Secret{}, "client_id = ? AND path = ?", clientID, path)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccess
	}
	return nil
}
