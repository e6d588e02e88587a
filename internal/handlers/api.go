package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/invitechat/internal/auth"
	"github.com/tariel-x/invitechat/internal/service"
)

type checkCodeRequest struct {
	Code string `json:"code"`
}

type registerRequest struct {
	Nickname   string `json:"nickname"`
	TgUsername string `json:"tgUsername"`
	CodeID     uint   `json:"codeId"`
}

type adminActionRequest struct {
	UserID   uint   `json:"userId"`
	Action   string `json:"action"`
	Duration *int   `json:"duration"`
	AdminID  uint   `json:"adminId"`
}

type adminRequest struct {
	AdminID uint `json:"adminId"`
}

type deactivateCodeRequest struct {
	Code    string `json:"code"`
	AdminID uint   `json:"adminId"`
}

func (h *Handlers) Health(c *gin.Context) {
	if h.db != nil {
		if err := h.db.Ping(c.Request.Context()); err != nil {
			h.logger.Warn().Err(err).Msg("health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"message": "database unavailable",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "API is up",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handlers) CheckCode(c *gin.Context) {
	var req checkCodeRequest
	if !h.bind(c, &req) {
		return
	}
	id, ok, err := h.reg.ValidateCode(c.Request.Context(), req.Code)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Invalid or already used code"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "codeId": id, "message": "Code accepted"})
}

func (h *Handlers) Register(c *gin.Context) {
	var req registerRequest
	if !h.bind(c, &req) {
		return
	}
	user, err := h.reg.Register(c.Request.Context(), service.RegisterInput{
		Nickname:       req.Nickname,
		ExternalHandle: req.TgUsername,
		CodeID:         req.CodeID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	token, err := h.issuer.Issue(user.ID, user.Role)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user":    user,
		"token":   token,
		"message": "Registration complete",
	})
}

func (h *Handlers) GetProfile(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid user id"})
		return
	}
	user, err := h.dir.GetProfile(c.Request.Context(), uint(id))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

func (h *Handlers) GetMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": h.hub.History(c.Request.Context())})
}

func (h *Handlers) ListUsers(c *gin.Context) {
	users, err := h.dir.ListUsers(c.Request.Context(), h.actorID(c, 0))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "users": users})
}

func (h *Handlers) AdminAction(c *gin.Context) {
	var req adminActionRequest
	if !h.bind(c, &req) {
		return
	}
	if req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "userId is required"})
		return
	}
	err := h.mod.ApplyAction(c.Request.Context(), h.actorID(c, req.AdminID), req.UserID,
		service.Action(req.Action), service.ActionParams{Minutes: req.Duration})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Action applied"})
}

func (h *Handlers) GenerateCode(c *gin.Context) {
	var req adminRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	code, err := h.reg.GenerateCode(c.Request.Context(), h.actorID(c, req.AdminID))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "code": code, "message": "Code created"})
}

func (h *Handlers) ListCodes(c *gin.Context) {
	codes, err := h.reg.ListCodes(c.Request.Context(), h.actorID(c, 0))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "codes": codes})
}

func (h *Handlers) DeactivateCode(c *gin.Context) {
	var req deactivateCodeRequest
	if !h.bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	if !h.mod.IsAdmin(ctx, h.actorID(c, req.AdminID)) {
		h.writeError(c, service.ErrForbidden)
		return
	}
	if err := h.reg.DeactivateCode(ctx, req.Code); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Code deactivated"})
}

// actorID is the calling user: the token subject, or in claimed mode the
// id the client supplied in the body or the admin_id query parameter.
func (h *Handlers) actorID(c *gin.Context, claimed uint) uint {
	if id, ok := auth.UserID(c); ok {
		return id
	}
	if h.authMode != auth.ModeClaimed {
		return 0
	}
	if claimed != 0 {
		return claimed
	}
	id, err := strconv.ParseUint(c.Query("admin_id"), 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}

func (h *Handlers) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body"})
		return false
	}
	return true
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	var status int
	switch {
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidInvite):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrDuplicateNickname):
		status = http.StatusConflict
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrUnknownAction):
		status = http.StatusBadRequest
	default:
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "server error"})
		return
	}
	c.JSON(status, gin.H{"success": false, "message": err.Error()})
}
