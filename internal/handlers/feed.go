package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/shabakeh/internal/feed"
	"github.com/4xmen/shabakeh/internal/kv"
	"github.com/4xmen/shabakeh/internal/metrics"
)

// FeedService owns one feed store per user, namespaced in the shared kv
// backend so snapshots survive restarts independently.
type FeedService struct {
	mu       sync.Mutex
	store    kv.Store
	stores   map[string]*feed.Store
	pageSize int
}

func NewFeedService(store kv.Store, pageSize int) *FeedService {
	return &FeedService{
		store:    store,
		stores:   make(map[string]*feed.Store),
		pageSize: pageSize,
	}
}

// ForUser returns the user's feed store, creating it on first use.
func (s *FeedService) ForUser(username string) (*feed.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.stores[username]; ok {
		return st, nil
	}

	st, err := feed.New(feed.Options{
		Store:    kv.Prefixed(s.store, "user:"+username+":"),
		PageSize: s.pageSize,
	})
	if err != nil {
		return nil, err
	}
	s.stores[username] = st
	return st, nil
}

// FlushAll forces every open store to write its snapshot, for shutdown.
func (s *FeedService) FlushAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.stores {
		st.Flush()
	}
}

type FeedHandler struct {
	svc *FeedService
}

func NewFeedHandler(svc *FeedService) *FeedHandler {
	return &FeedHandler{svc: svc}
}

func (h *FeedHandler) storeFor(c *gin.Context) (*feed.Store, string, bool) {
	username, exists := c.Get("username")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return nil, "", false
	}
	user := username.(string)
	st, err := h.svc.ForUser(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("internal server error")})
		return nil, "", false
	}
	return st, user, true
}

// GetFeed returns the visible window plus pagination meta.
func (h *FeedHandler) GetFeed(c *gin.Context) {
	st, _, ok := h.storeFor(c)
	if !ok {
		return
	}

	visible := st.Visible()
	c.JSON(http.StatusOK, gin.H{
		"posts":   visible,
		"visible": len(visible),
		"total":   len(st.Posts()),
	})
}

type RefreshRequest struct {
	Posts   []feed.Post  `json:"posts"`
	Stories []feed.Story `json:"stories"`
}

// Refresh merges a canonical feed payload into the user's local state.
func (h *FeedHandler) Refresh(c *gin.Context) {
	st, _, ok := h.storeFor(c)
	if !ok {
		return
	}

	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	st.Refresh(req.Posts)
	if req.Stories != nil {
		st.RefreshStories(req.Stories)
	}
	metrics.FeedRefreshes.Inc()

	c.JSON(http.StatusOK, gin.H{"total": len(st.Posts())})
}

// Paginate reveals the next window of posts.
func (h *FeedHandler) Paginate(c *gin.Context) {
	st, _, ok := h.storeFor(c)
	if !ok {
		return
	}

	st.Paginate(h.svc.pageSize)
	visible := st.Visible()
	c.JSON(http.StatusOK, gin.H{
		"posts":   visible,
		"visible": len(visible),
		"total":   len(st.Posts()),
	})
}

type CreatePostRequest struct {
	Content string `json:"content" binding:"required"`
	Image   string `json:"image"`
}

func (h *FeedHandler) CreatePost(c *gin.Context) {
	st, user, ok := h.storeFor(c)
	if !ok {
		return
	}

	var req CreatePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	id, err := st.CreatePost(user, req.Content, req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __(err.Error())})
		return
	}
	metrics.PostsCreated.Inc()

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *FeedHandler) DeletePost(c *gin.Context) {
	st, _, ok := h.storeFor(c)
	if !ok {
		return
	}

	st.DeletePost(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *FeedHandler) TogglePin(c *gin.Context) {
	st, _, ok := h.storeFor(c)
	if !ok {
		return
	}

	st.TogglePin(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *FeedHandler) ToggleSave(c *gin.Context) {
	st, _, ok := h.storeFor(c)
	if !ok {
		return
	}

	st.ToggleSave(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type ReactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

func (h *FeedHandler) ToggleReaction(c *gin.Context) {
	st, user, ok := h.storeFor(c)
	if !ok {
		return
	}

	var req ReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	st.ToggleReaction(c.Param("id"), req.Emoji, user)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type ReportRequest struct {
	Reason string `json:"reason"`
}

func (h *FeedHandler) ReportPost(c *gin.Context) {
	st, _, ok := h.storeFor(c)
	if !ok {
		return
	}

	var req ReportRequest
	c.ShouldBindJSON(&req)

	st.ReportPost(c.Param("id"), req.Reason)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *FeedHandler) MarkPostSeen(c *gin.Context) {
	st, user, ok := h.storeFor(c)
	if !ok {
		return
	}

	st.MarkPostSeen(c.Param("id"), user)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type CommentRequest struct {
	Text string `json:"text" binding:"required"`
}

func (h *FeedHandler) AddComment(c *gin.Context) {
	st, user, ok := h.storeFor(c)
	if !ok {
		return
	}

	var req CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	if err := st.AddComment(c.Param("id"), req.Text, user); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __(err.Error())})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "ok"})
}

func (h *FeedHandler) GetNotifications(c *gin.Context) {
	st, _, ok := h.storeFor(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": st.Notifications()})
}

func (h *FeedHandler) GetStories(c *gin.Context) {
	st, _, ok := h.storeFor(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"stories": st.Stories()})
}

func (h *FeedHandler) MarkStorySeen(c *gin.Context) {
	st, user, ok := h.storeFor(c)
	if !ok {
		return
	}

	st.MarkStorySeen(c.Param("id"), user)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *FeedHandler) ToggleStoryReaction(c *gin.Context) {
	st, user, ok := h.storeFor(c)
	if !ok {
		return
	}

	var req ReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	st.ToggleStoryReaction(c.Param("id"), req.Emoji, user)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
