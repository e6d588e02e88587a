package storage

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/tariel-x/invitechat/internal/models"
)

// MessageWithAuthor pairs a message with its author. Author is nil when
// the user row could not be resolved.
type MessageWithAuthor struct {
	models.Message
	Author *models.User
}

func (s *Store) CreateMessage(ctx context.Context, msg *models.Message) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return unavailable(err)
	}
	return nil
}

// RecentMessages returns at most limit of the newest messages in
// chronological order, authors resolved in one batch.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]MessageWithAuthor, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}, Desc: true}).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, unavailable(err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	ids := make([]uint, 0, len(msgs))
	seen := make(map[uint]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		ids = append(ids, m.UserID)
	}
	authors, err := s.UsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]MessageWithAuthor, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageWithAuthor{Message: m, Author: authors[m.UserID]})
	}
	return out, nil
}
