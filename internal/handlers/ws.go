package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tariel-x/invitechat/internal/auth"
	"github.com/tariel-x/invitechat/internal/chat"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 64 << 10
)

// HandleWebSocket upgrades the request and binds the connection to a hub
// session. The session is authenticated when the request carried a token.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	userID, _ := auth.UserID(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("ip", c.ClientIP()).Msg("ws upgrade failed")
		return
	}
	conn.SetReadLimit(wsReadLimit)

	session := h.hub.Connect(userID, func() {
		_ = conn.Close()
	})
	h.logger.Debug().Str("conn_id", session.ID()).Uint("user_id", userID).Str("ip", c.ClientIP()).Msg("ws connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.writePump(conn, session)
	h.readPump(ctx, conn, session)
}

func (h *Handlers) readPump(ctx context.Context, conn *websocket.Conn, session *chat.Session) {
	defer func() {
		_ = conn.Close()
		h.hub.Disconnect(session.ID())
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug().Err(err).Str("conn_id", session.ID()).Msg("ws read error")
			return
		}

		var msg chat.Envelope
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.logger.Debug().Err(err).Str("conn_id", session.ID()).Msg("ws bad json")
			continue
		}
		h.dispatch(ctx, session, msg)
	}
}

func (h *Handlers) dispatch(ctx context.Context, session *chat.Session, msg chat.Envelope) {
	logger := h.logger.With().Str("conn_id", session.ID()).Str("type", msg.Type).Logger()

	switch msg.Type {
	case chat.EventAnnouncePresence:
		var claimed chat.Presence
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &claimed); err != nil {
				logger.Debug().Err(err).Msg("ws bad payload")
				return
			}
		}
		if session.UserID() == 0 && claimed.UserID == 0 {
			logger.Debug().Msg("anonymous announce ignored")
			return
		}
		if err := h.hub.Announce(ctx, session.ID(), claimed); err != nil {
			logger.Debug().Err(err).Msg("announce failed")
		}
	case chat.EventSendMessage:
		var data chat.SendData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logger.Debug().Err(err).Msg("ws bad payload")
			return
		}
		userID := session.UserID()
		if userID == 0 {
			userID = data.UserID
		}
		h.hub.SendMessage(ctx, session.ID(), userID, data.Text)
	case chat.EventRequestHistory:
		h.hub.SendHistory(ctx, session.ID())
	case chat.EventLeavePresence:
		h.hub.Leave(session.ID())
	case "ping":
	default:
		logger.Debug().Int("data_bytes", len(msg.Data)).Msg("ws unknown event")
	}
}

func (h *Handlers) writePump(conn *websocket.Conn, session *chat.Session) {
	defer func() {
		_ = conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	out := session.Outbound()
	for {
		select {
		case msg, ok := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
