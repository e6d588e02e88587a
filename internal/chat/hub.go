package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tariel-x/invitechat/internal/metrics"
	"github.com/tariel-x/invitechat/internal/models"
	"github.com/tariel-x/invitechat/internal/service"
	"github.com/tariel-x/invitechat/internal/storage"
)

// HistoryLimit is the number of most recent messages ever surfaced to clients.
const HistoryLimit = 100

var ErrUnknownSession = errors.New("unknown session")

type Store interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	UserByID(ctx context.Context, id uint) (*models.User, error)
	RecentMessages(ctx context.Context, limit int) ([]storage.MessageWithAuthor, error)
}

// Gate decides whether a user may post right now.
type Gate interface {
	CheckSendEligibility(ctx context.Context, userID uint) service.Eligibility
}

// Hub owns the session registry. Nothing outside the hub touches it.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store  Store
	gate   Gate
	logger zerolog.Logger
	nowFn  func() time.Time
}

func NewHub(store Store, gate Gate, logger zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		store:    store,
		gate:     gate,
		logger:   logger.With().Str("component", "hub").Logger(),
		nowFn:    time.Now,
	}
}

// Connect registers a new session. userID is zero when the caller did not
// authenticate. onEvict is called when the session cannot keep up and must
// be torn down by its transport.
func (h *Hub) Connect(userID uint, onEvict func()) *Session {
	s := &Session{
		id:      uuid.NewString(),
		userID:  userID,
		send:    make(chan []byte, sendBuffer),
		onEvict: onEvict,
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	total := len(h.sessions)
	h.mu.Unlock()

	metrics.WsConnections.Inc()
	h.logger.Debug().Str("conn_id", s.id).Uint("user_id", userID).Int("sessions", total).Msg("session connected")
	return s
}

// Announce records presence for the session and rebroadcasts the online list.
// Authenticated sessions get their presence from the store; the claimed
// values are used only for sessions without a verified user.
func (h *Hub) Announce(ctx context.Context, connID string, claimed Presence) error {
	h.mu.Lock()
	s, ok := h.sessions[connID]
	h.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	p := claimed
	if s.userID != 0 {
		user, err := h.store.UserByID(ctx, s.userID)
		if err != nil {
			h.logger.Warn().Err(err).Str("conn_id", connID).Uint("user_id", s.userID).Msg("announce for unresolvable user")
			return err
		}
		p = Presence{UserID: user.ID, Nickname: user.Nickname, AvatarColor: user.AvatarColor, Role: user.Role}
	}

	h.mu.Lock()
	if _, still := h.sessions[connID]; !still {
		h.mu.Unlock()
		return ErrUnknownSession
	}
	s.presence = &p
	h.mu.Unlock()

	h.logger.Debug().Str("conn_id", connID).Uint("user_id", p.UserID).Str("nickname", p.Nickname).Msg("presence announced")
	h.BroadcastPresence()
	return nil
}

// Leave drops the session from the online list without disconnecting it.
func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	s, ok := h.sessions[connID]
	changed := ok && s.presence != nil
	if changed {
		s.presence = nil
	}
	h.mu.Unlock()

	if changed {
		h.BroadcastPresence()
	}
}

// SendMessage validates, persists and fans out one chat message. Failures
// are reported to the sending session only.
func (h *Hub) SendMessage(ctx context.Context, connID string, userID uint, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	logger := h.logger.With().Str("conn_id", connID).Uint("user_id", userID).Logger()

	eligibility := h.gate.CheckSendEligibility(ctx, userID)
	if !eligibility.CanSend {
		metrics.RejectedSendsTotal.WithLabelValues(string(eligibility.Reason)).Inc()
		logger.Debug().Str("reason", string(eligibility.Reason)).Msg("send rejected")
		h.sendTo(connID, encode(EventSendError, sendErrorData{
			Message: eligibility.Message(),
			Reason:  eligibility.Reason,
		}))
		return
	}

	msg := &models.Message{UserID: userID, Text: text, Timestamp: h.nowFn()}
	if err := h.store.CreateMessage(ctx, msg); err != nil {
		logger.Error().Err(err).Msg("persist message")
		h.sendTo(connID, encode(EventSendError, sendErrorData{Message: "Message could not be saved"}))
		return
	}

	author, err := h.store.UserByID(ctx, userID)
	if err != nil {
		logger.Warn().Err(err).Uint("message_id", msg.ID).Msg("author vanished after insert, broadcast dropped")
		return
	}

	metrics.MessagesTotal.Inc()
	h.broadcast(encode(EventNewMessage, ChatMessage{
		ID:        msg.ID,
		Text:      msg.Text,
		User:      authorOf(author),
		Timestamp: msg.Timestamp,
	}))
}

// History returns up to HistoryLimit messages, oldest first. Read failures
// yield an empty history.
func (h *Hub) History(ctx context.Context) []ChatMessage {
	rows, err := h.store.RecentMessages(ctx, HistoryLimit)
	if err != nil {
		h.logger.Error().Err(err).Msg("load history")
		return []ChatMessage{}
	}
	out := make([]ChatMessage, 0, len(rows))
	for _, row := range rows {
		if row.Author == nil {
			continue
		}
		out = append(out, ChatMessage{
			ID:        row.ID,
			Text:      row.Text,
			User:      authorOf(row.Author),
			Timestamp: row.Timestamp,
		})
	}
	return out
}

// SendHistory delivers message_history to a single session.
func (h *Hub) SendHistory(ctx context.Context, connID string) {
	h.sendTo(connID, encode(EventMessageHistory, h.History(ctx)))
}

// Online lists announced users, one entry per user, ordered by nickname.
func (h *Hub) Online() []Presence {
	h.mu.Lock()
	byUser := make(map[uint]Presence, len(h.sessions))
	for _, s := range h.sessions {
		if s.presence != nil {
			byUser[s.presence.UserID] = *s.presence
		}
	}
	h.mu.Unlock()

	out := make([]Presence, 0, len(byUser))
	for _, p := range byUser {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Nickname != out[j].Nickname {
			return out[i].Nickname < out[j].Nickname
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// BroadcastPresence sends the full online list to every session.
func (h *Hub) BroadcastPresence() {
	online := h.Online()
	metrics.OnlineUsers.Set(float64(len(online)))
	h.broadcast(encode(EventPresenceUpdate, presenceData{Users: online}))
}

// BroadcastModerationEvent lets clients react to a committed admin action.
func (h *Hub) BroadcastModerationEvent(ev service.ModerationEvent) {
	metrics.ModerationActionsTotal.WithLabelValues(string(ev.Action)).Inc()
	h.broadcast(encode(EventModeration, moderationData{Kind: moderationKindAction, ModerationEvent: ev}))
}

// Disconnect removes the session and rebroadcasts presence.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	s, ok := h.sessions[connID]
	if ok {
		delete(h.sessions, connID)
	}
	remaining := len(h.sessions)
	h.mu.Unlock()

	if !ok {
		return
	}
	s.closeSend()
	metrics.WsConnections.Dec()
	h.logger.Debug().Str("conn_id", connID).Uint("user_id", s.userID).Int("sessions", remaining).Msg("session disconnected")
	h.BroadcastPresence()
}

func (h *Hub) sendTo(connID string, payload []byte) {
	h.mu.Lock()
	s := h.sessions[connID]
	h.mu.Unlock()

	if s == nil {
		return
	}
	if !s.trySend(payload) {
		h.slowConsumer(s)
	}
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if !s.trySend(payload) {
			h.slowConsumer(s)
		}
	}
}

func (h *Hub) slowConsumer(s *Session) {
	metrics.SlowConsumersTotal.Inc()
	h.logger.Warn().Str("conn_id", s.id).Msg("send buffer full, closing session")
	s.evict()
}
