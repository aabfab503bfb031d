package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/shabakeh/internal/chat"
	"github.com/4xmen/shabakeh/internal/db"
	"github.com/4xmen/shabakeh/internal/push"
	"github.com/4xmen/shabakeh/internal/ws"
)

// OnlineChecker reports realtime presence for the contact list.
type OnlineChecker interface {
	IsUserOnline(userID string) bool
}

type MessageHandler struct {
	db            *db.DB
	archive       *ws.Archive
	onlineChecker OnlineChecker
	notifier      *push.Notifier
}

func NewMessageHandler(database *db.DB, archive *ws.Archive, onlineChecker OnlineChecker, notifier *push.Notifier) *MessageHandler {
	return &MessageHandler{db: database, archive: archive, onlineChecker: onlineChecker, notifier: notifier}
}

// GetRoomLog returns the cached event log for a conversation so a
// reconnecting client can rebuild it. The caller must be a participant.
func (h *MessageHandler) GetRoomLog(c *gin.Context) {
	username, exists := c.Get("username")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return
	}

	room := c.Query("room")
	if room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("room query parameter required")})
		return
	}

	a, b, ok := chat.ParseRoomKey(room)
	if !ok || (a != username.(string) && b != username.(string)) {
		c.JSON(http.StatusForbidden, gin.H{"error": __("not a participant of this room")})
		return
	}

	events := h.archive.Events(room)
	if events == nil {
		c.JSON(http.StatusOK, gin.H{"events": []string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type contact struct {
	db.User
	Online bool `json:"online"`
}

// GetUsers lists other accounts with their presence, for starting a
// conversation.
func (h *MessageHandler) GetUsers(c *gin.Context) {
	username, exists := c.Get("username")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return
	}

	users, err := h.db.ListUsers(username.(string))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("failed to list users")})
		return
	}

	contacts := make([]contact, 0, len(users))
	for _, u := range users {
		contacts = append(contacts, contact{
			User:   u,
			Online: h.onlineChecker != nil && h.onlineChecker.IsUserOnline(u.Username),
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": contacts})
}

type SubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
}

// Subscribe stores a web push subscription for the current user.
func (h *MessageHandler) Subscribe(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return
	}

	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	if err := h.db.SavePushSubscription(userID.(int), req.Endpoint, req.Keys.P256dh, req.Keys.Auth); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("failed to subscribe")})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "ok"})
}

// VAPIDKey exposes the public key browsers need to create a push
// subscription.
func (h *MessageHandler) VAPIDKey(c *gin.Context) {
	if h.notifier == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": __("push notifications disabled")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": h.notifier.VAPIDPublicKey()})
}
