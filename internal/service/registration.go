package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/tariel-x/invitechat/internal/models"
	"github.com/tariel-x/invitechat/internal/storage"
)

const (
	CodePrefix   = "CHAT-"
	codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	// 8 symbols over 36 gives ~41 bits.
	codeLength       = 8
	codeAttempts     = 3
	maxNicknameRunes = 100
	maxHandleRunes   = 100
)

// PrivilegedCodes maps bootstrap invite codes to the role they grant.
// Any code not listed grants models.RoleUser.
var PrivilegedCodes = map[string]models.Role{
	"ADMIN123": models.RoleAdmin,
}

// ValidateRoleTable rejects empty codes and non-privileged or unknown roles.
func ValidateRoleTable(table map[string]models.Role) error {
	for code, role := range table {
		if strings.TrimSpace(code) == "" || strings.ContainsAny(code, " \t\n") {
			return fmt.Errorf("bootstrap code %q is not a valid code", code)
		}
		if !role.Valid() {
			return fmt.Errorf("bootstrap code %s: unknown role %q", code, role)
		}
		if !role.Privileged() {
			return fmt.Errorf("bootstrap code %s: role %q grants nothing", code, role)
		}
	}
	return nil
}

type RegisterInput struct {
	Nickname       string
	ExternalHandle string
	CodeID         uint
}

// CodeListing is an invite code with the consumer nickname resolved.
type CodeListing struct {
	models.InviteCode
	UsedByNickname *string `json:"used_by_nickname"`
}

type Registration struct {
	store  Store
	authz  Authorizer
	roles  map[string]models.Role
	logger zerolog.Logger
	nowFn  func() time.Time
	pickFn func(n int) int
}

func NewRegistration(store Store, authz Authorizer, roles map[string]models.Role, logger zerolog.Logger) (*Registration, error) {
	if err := ValidateRoleTable(roles); err != nil {
		return nil, err
	}
	table := make(map[string]models.Role, len(roles))
	for code, role := range roles {
		table[code] = role
	}
	return &Registration{
		store:  store,
		authz:  authz,
		roles:  table,
		logger: logger.With().Str("component", "registration").Logger(),
		nowFn:  time.Now,
		pickFn: randomIndex,
	}, nil
}

// ValidateCode reports whether code exists, is active and unconsumed.
func (r *Registration) ValidateCode(ctx context.Context, code string) (uint, bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, false, nil
	}
	c, err := r.store.CodeByValue(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr(err)
	}
	if !c.Redeemable() {
		return 0, false, nil
	}
	return c.ID, true, nil
}

// Register creates a user by redeeming the code with in.CodeID.
func (r *Registration) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	nickname := strings.TrimSpace(in.Nickname)
	handle := strings.TrimSpace(in.ExternalHandle)
	if nickname == "" || handle == "" || in.CodeID == 0 {
		return nil, validationf("nickname, handle and code are required")
	}
	if utf8.RuneCountInString(nickname) > maxNicknameRunes {
		return nil, validationf("nickname is longer than %d characters", maxNicknameRunes)
	}
	if utf8.RuneCountInString(handle) > maxHandleRunes {
		return nil, validationf("handle is longer than %d characters", maxHandleRunes)
	}

	code, err := r.store.CodeByID(ctx, in.CodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidInvite
	}
	if err != nil {
		return nil, storeErr(err)
	}
	if !code.Redeemable() {
		return nil, ErrInvalidInvite
	}

	role, ok := r.roles[code.Code]
	if !ok {
		role = models.RoleUser
	}

	now := r.nowFn()
	user := &models.User{
		Nickname:       nickname,
		ExternalHandle: handle,
		Role:           role,
		AvatarColor:    models.AvatarPalette[r.pickFn(len(models.AvatarPalette))],
		CreatedAt:      now,
	}
	if err := r.store.RegisterWithCode(ctx, code.ID, user, now); err != nil {
		return nil, storeErr(err)
	}

	r.logger.Info().
		Uint("user_id", user.ID).
		Str("nickname", user.Nickname).
		Str("role", string(user.Role)).
		Uint("code_id", code.ID).
		Msg("user registered")
	return user, nil
}

// GenerateCode creates a fresh invite code owned by requesterID.
func (r *Registration) GenerateCode(ctx context.Context, requesterID uint) (string, error) {
	if !r.authz.IsAdmin(ctx, requesterID) {
		return "", ErrForbidden
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		suffix, err := gonanoid.Generate(codeAlphabet, codeLength)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		creator := requesterID
		code := &models.InviteCode{
			Code:      CodePrefix + suffix,
			CreatedBy: &creator,
			CreatedAt: r.nowFn(),
			IsActive:  true,
		}
		err = r.store.CreateCode(ctx, code)
		if errors.Is(err, storage.ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return "", storeErr(err)
		}
		r.logger.Info().Uint("admin_id", requesterID).Str("code", code.Code).Msg("invite code generated")
		return code.Code, nil
	}
	return "", fmt.Errorf("%w: could not allocate a unique code", ErrStoreUnavailable)
}

// DeactivateCode disables code. It succeeds for unknown and already inactive codes.
func (r *Registration) DeactivateCode(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return validationf("code is required")
	}
	if err := r.store.DeactivateCode(ctx, code); err != nil {
		return storeErr(err)
	}
	r.logger.Info().Str("code", code).Msg("invite code deactivated")
	return nil
}

func (r *Registration) ListCodes(ctx context.Context, requesterID uint) ([]CodeListing, error) {
	if !r.authz.IsAdmin(ctx, requesterID) {
		return nil, ErrForbidden
	}
	rows, err := r.store.ListCodes(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]CodeListing, 0, len(rows))
	for _, row := range rows {
		out = append(out, CodeListing{InviteCode: row.InviteCode, UsedByNickname: row.UsedByNickname})
	}
	return out, nil
}

func randomIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
