package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tariel-x/invitechat/internal/models"
	"github.com/tariel-x/invitechat/internal/storage"
)

type Reason string

const (
	ReasonUserNotFound Reason = "user_not_found"
	ReasonBanned       Reason = "banned"
	ReasonMuted        Reason = "muted"
)

// Eligibility is the outcome of the ban/mute gate evaluated before a send.
type Eligibility struct {
	CanSend   bool
	Reason    Reason
	Remaining time.Duration
}

// RemainingMinutes rounds the remaining mute to whole minutes.
func (e Eligibility) RemainingMinutes() int {
	return int(math.Round(e.Remaining.Minutes()))
}

func (e Eligibility) Message() string {
	switch e.Reason {
	case ReasonUserNotFound:
		return "User not found"
	case ReasonBanned:
		return "You are banned"
	case ReasonMuted:
		return fmt.Sprintf("You are muted for %d more minutes", e.RemainingMinutes())
	}
	return ""
}

type Action string

const (
	ActionBan       Action = "ban"
	ActionUnban     Action = "unban"
	ActionMute      Action = "mute"
	ActionUnmute    Action = "unmute"
	ActionMakeAdmin Action = "make_admin"
)

const DefaultMuteMinutes = 5

// ActionParams carries optional arguments. Minutes applies to mute only;
// nil means DefaultMuteMinutes.
type ActionParams struct {
	Minutes *int
}

// MuteFor is the params of a mute lasting minutes.
func MuteFor(minutes int) ActionParams {
	return ActionParams{Minutes: &minutes}
}

// ModerationEvent is announced to every session after an action commits.
type ModerationEvent struct {
	TargetUserID uint      `json:"target_user_id"`
	ActorID      uint      `json:"actor_id"`
	Action       Action    `json:"action"`
	Minutes      int       `json:"duration,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type Broadcaster interface {
	BroadcastModerationEvent(ev ModerationEvent)
}

type Moderation struct {
	store       Store
	broadcaster Broadcaster
	logger      zerolog.Logger
	nowFn       func() time.Time
}

func NewModeration(store Store, broadcaster Broadcaster, logger zerolog.Logger) *Moderation {
	return &Moderation{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger.With().Str("component", "moderation").Logger(),
		nowFn:       time.Now,
	}
}

// WithClock overrides the time source used for mute computations.
func (m *Moderation) WithClock(now func() time.Time) *Moderation {
	m.nowFn = now
	return m
}

// SetBroadcaster replaces the moderation event sink. The hub and the
// moderation service depend on each other, so one of them is wired late.
func (m *Moderation) SetBroadcaster(b Broadcaster) {
	m.broadcaster = b
}

// CheckSendEligibility fails closed: lookup errors report ReasonUserNotFound.
func (m *Moderation) CheckSendEligibility(ctx context.Context, userID uint) Eligibility {
	user, err := m.store.UserByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error().Err(err).Uint("user_id", userID).Msg("eligibility lookup failed")
		}
		return Eligibility{Reason: ReasonUserNotFound}
	}
	if user.IsBanned {
		return Eligibility{Reason: ReasonBanned}
	}
	now := m.nowFn()
	if user.MutedAt(now) {
		return Eligibility{Reason: ReasonMuted, Remaining: user.MutedUntil.Sub(now)}
	}
	return Eligibility{CanSend: true}
}

// IsAdmin is false on any lookup error.
func (m *Moderation) IsAdmin(ctx context.Context, userID uint) bool {
	if userID == 0 {
		return false
	}
	user, err := m.store.UserByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error().Err(err).Uint("user_id", userID).Msg("admin lookup failed")
		}
		return false
	}
	return user.Role.Privileged()
}

func (m *Moderation) ApplyAction(ctx context.Context, adminID, targetID uint, action Action, params ActionParams) error {
	if !m.IsAdmin(ctx, adminID) {
		return ErrForbidden
	}

	now := m.nowFn()
	minutes := 0
	var fields map[string]any
	switch action {
	case ActionBan:
		fields = map[string]any{"is_banned": true}
	case ActionUnban:
		fields = map[string]any{"is_banned": false}
	case ActionMute:
		minutes = DefaultMuteMinutes
		if params.Minutes != nil {
			minutes = *params.Minutes
		}
		if minutes <= 0 {
			return validationf("mute duration must be positive")
		}
		fields = map[string]any{"muted_until": now.Add(time.Duration(minutes) * time.Minute)}
	case ActionUnmute:
		fields = map[string]any{"muted_until": nil}
	case ActionMakeAdmin:
		fields = map[string]any{"role": models.RoleAdmin}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	if targetID == 0 {
		return validationf("target user is required")
	}
	target, err := m.store.UserByID(ctx, targetID)
	if err != nil {
		return storeErr(err)
	}
	// Promoting must never demote a super admin.
	if action == ActionMakeAdmin && target.Role == models.RoleSuperAdmin {
		fields = nil
	}
	if len(fields) > 0 {
		if err := m.store.UpdateUserFields(ctx, targetID, fields); err != nil {
			return storeErr(err)
		}
	}

	m.logger.Info().
		Uint("admin_id", adminID).
		Uint("target_user_id", targetID).
		Str("action", string(action)).
		Int("minutes", minutes).
		Msg("moderation action applied")

	if m.broadcaster != nil {
		m.broadcaster.BroadcastModerationEvent(ModerationEvent{
			TargetUserID: targetID,
			ActorID:      adminID,
			Action:       action,
			Minutes:      minutes,
			Timestamp:    now,
		})
	}
	return nil
}
