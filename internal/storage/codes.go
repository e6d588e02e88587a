package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tariel-x/invitechat/internal/models"
)

// CodeWithConsumer is an invite code joined with the nickname of whoever redeemed it.
type CodeWithConsumer struct {
	models.InviteCode `gorm:"embedded"`
	UsedByNickname    *string `gorm:"column:used_by_nickname"`
}

func (s *Store) CodeByValue(ctx context.Context, code string) (*models.InviteCode, error) {
	var c models.InviteCode
	if err := s.db.WithContext(ctx).Where("code = ?", code).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return &c, nil
}

func (s *Store) CodeByID(ctx context.Context, id uint) (*models.InviteCode, error) {
	var c models.InviteCode
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return &c, nil
}

func (s *Store) CreateCode(ctx context.Context, code *models.InviteCode) error {
	if err := s.db.WithContext(ctx).Create(code).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCode
		}
		return unavailable(err)
	}
	return nil
}

// DeactivateCode clears the active flag. Unknown codes are not an error.
func (s *Store) DeactivateCode(ctx context.Context, code string) error {
	err := s.db.WithContext(ctx).
		Model(&models.InviteCode{}).
		Where("code = ?", code).
		Update("is_active", false).Error
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// ListCodes returns all codes, newest first.
func (s *Store) ListCodes(ctx context.Context) ([]CodeWithConsumer, error) {
	var rows []CodeWithConsumer
	err := s.db.WithContext(ctx).
		Model(&models.InviteCode{}).
		Select("invite_codes.*, users.nickname AS used_by_nickname").
		Joins("LEFT JOIN users ON users.id = invite_codes.used_by").
		Order("invite_codes.created_at DESC, invite_codes.id DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, unavailable(err)
	}
	return rows, nil
}

// unclaimedUser marks a code claimed inside a transaction whose user row
// does not exist yet.
const unclaimedUser = 0

// RegisterWithCode consumes the code and inserts user in one transaction.
// The consume comes first and is a single conditional update, so of two
// concurrent redemptions of the same code exactly one gets past it and the
// other sees ErrCodeNotRedeemable whatever nickname it carries.
func (s *Store) RegisterWithCode(ctx context.Context, codeID uint, user *models.User, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.InviteCode{}).
			Where("id = ? AND is_active = ? AND used_by IS NULL", codeID, true).
			Updates(map[string]any{
				"used_by": unclaimedUser,
				"used_at": now,
			})
		if res.Error != nil {
			return unavailable(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrCodeNotRedeemable
		}

		if err := tx.Create(user).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateNickname
			}
			return unavailable(err)
		}

		err := tx.Model(&models.InviteCode{}).
			Where("id = ?", codeID).
			Update("used_by", user.ID).Error
		if err != nil {
			return unavailable(err)
		}
		return nil
	})
}
