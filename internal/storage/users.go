package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tariel-x/invitechat/internal/models"
)

// UserWithCount is a user row with the number of messages they authored.
type UserWithCount struct {
	models.User  `gorm:"embedded"`
	MessageCount int64 `gorm:"column:message_count"`
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateNickname
		}
		return unavailable(err)
	}
	return nil
}

func (s *Store) UserByID(ctx context.Context, id uint) (*models.User, error) {
	if id == 0 {
		return nil, ErrNotFound
	}
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return &user, nil
}

func (s *Store) UserByNickname(ctx context.Context, nickname string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("nickname = ?", nickname).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return &user, nil
}

// UsersByIDs resolves a batch of users keyed by id. Unknown ids are absent from the map.
func (s *Store) UsersByIDs(ctx context.Context, ids []uint) (map[uint]*models.User, error) {
	out := make(map[uint]*models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, unavailable(err)
	}
	for i := range users {
		out[users[i].ID] = &users[i]
	}
	return out, nil
}

// ListUsersWithMessageCount returns every user, newest first.
func (s *Store) ListUsersWithMessageCount(ctx context.Context) ([]UserWithCount, error) {
	var rows []UserWithCount
	err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Select("users.*, COUNT(messages.id) AS message_count").
		Joins("LEFT JOIN messages ON messages.user_id = users.id").
		Group("users.id").
		Order("users.created_at DESC, users.id DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, unavailable(err)
	}
	return rows, nil
}

// UpdateUserFields sets the given columns on one user.
func (s *Store) UpdateUserFields(ctx context.Context, id uint, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		// Updates with unchanged values still match on postgres and sqlite,
		// so zero rows means the user does not exist.
		return ErrNotFound
	}
	return nil
}
