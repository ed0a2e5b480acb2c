package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
)

// Profile is the mutable identity surface refreshed on each auth.
type Profile struct {
	Email     string
	Name      string
	AvatarURL string
}

// Users is the user directory backed by PostgreSQL.
type Users struct {
	db *DB
}

func NewUsers(db *DB) *Users {
	return &Users{db: db}
}

// Upsert creates the user on first sight of the subject and refreshes
// profile fields on every later call. Idempotent: the same subject
// always maps to the same internal id.
func (s *Users) Upsert(ctx context.Context, subject string, profile Profile) (*User, error) {
	if subject == "" {
		return nil, common.E(common.KindValidation, "subject must not be empty")
	}
	user := User{
		Subject:   subject,
		Email:     profile.Email,
		Name:      profile.Name,
		AvatarURL: profile.AvatarURL,
	}
	err := s.db.Gorm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "name", "avatar_url", "updated_at"}),
		}).
		Create(&user).Error
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "upserting user", err)
	}
	// ON CONFLICT DO UPDATE does not return the existing row's id
	// through GORM's create path, so read it back by subject.
	var stored User
	if err := s.db.Gorm.WithContext(ctx).Where("subject = ?", subject).First(&stored).Error; err != nil {
		return nil, common.Wrap(common.KindTransient, "loading upserted user", err)
	}
	return &stored, nil
}

// Get returns a user by internal id.
func (s *Users) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	var user User
	err := s.db.Gorm.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.E(common.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "loading user", err)
	}
	return &user, nil
}
