package service

import (
	"context"

	"github.com/tariel-x/invitechat/internal/models"
)

// UserListing is a user profile with the number of messages they sent.
type UserListing struct {
	models.User
	MessageCount int64 `json:"message_count"`
}

// Directory serves profile reads.
type Directory struct {
	store Store
	authz Authorizer
}

func NewDirectory(store Store, authz Authorizer) *Directory {
	return &Directory{store: store, authz: authz}
}

func (d *Directory) GetProfile(ctx context.Context, id uint) (*models.User, error) {
	user, err := d.store.UserByID(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return user, nil
}

// ListUsers is admin only and returns users newest first.
func (d *Directory) ListUsers(ctx context.Context, requesterID uint) ([]UserListing, error) {
	if !d.authz.IsAdmin(ctx, requesterID) {
		return nil, ErrForbidden
	}
	rows, err := d.store.ListUsersWithMessageCount(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]UserListing, 0, len(rows))
	for _, row := range rows {
		out = append(out, UserListing{User: row.User, MessageCount: row.MessageCount})
	}
	return out, nil
}
