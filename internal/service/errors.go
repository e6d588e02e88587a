package service

import (
	"errors"
	"fmt"

	"github.com/tariel-x/invitechat/internal/storage"
)

// Service-level errors. Handlers map them to transport statuses with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrInvalidInvite     = errors.New("invalid or already used invite code")
	ErrDuplicateNickname = errors.New("nickname already taken")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrUnknownAction     = errors.New("unknown action")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storeErr translates storage errors that are not handled explicitly by the caller.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrDuplicateNickname):
		return ErrDuplicateNickname
	case errors.Is(err, storage.ErrCodeNotRedeemable):
		return ErrInvalidInvite
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
