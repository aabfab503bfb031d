package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/4xmen/shabakeh/internal/kv"
	"github.com/4xmen/shabakeh/pkg/sanitize"
)

const (
	// SnapshotPostLimit bounds how many posts the durable snapshot keeps.
	SnapshotPostLimit = 50
	// SnapshotNotificationLimit bounds persisted notifications.
	SnapshotNotificationLimit = 20
	// NotificationLimit bounds the in-memory audit log.
	NotificationLimit = 30
	// LocalIDPrefix marks posts created on this client before any server
	// round-trip.
	LocalIDPrefix = "local-"

	snapshotKey         = "feed"
	defaultPersistDelay = 50 * time.Millisecond
	defaultPageSize     = 10
)

var (
	ErrEmptyContent = errors.New("content is empty")
	ErrEmptyComment = errors.New("comment is empty")
)

// Options configures a Store.
type Options struct {
	Store        kv.Store
	PageSize     int           // initial visible window, 0 means 10
	PersistDelay time.Duration // <0 disables debounce (write immediately)
	Clock        func() time.Time
}

// Store reconciles externally supplied canonical posts and stories with
// locally tracked interaction state, exposes a sorted paginated view and
// keeps a bounded durable snapshot for reload continuity.
type Store struct {
	mu sync.Mutex

	kv            kv.Store
	posts         []*LocalPost
	stories       []*Story
	notifications []Notification
	visible       int

	pageSize     int
	persistDelay time.Duration
	clock        func() time.Time
	persistTimer *time.Timer
}

type feedSnapshot struct {
	Posts         []*LocalPost   `json:"posts"`
	Notifications []Notification `json:"notifications"`
	Stories       []*Story       `json:"stories,omitempty"`
}

// New builds a store, restoring the last known good snapshot when one
// exists. The snapshot is a cache, never the source of truth: the next
// Refresh supersedes its canonical fields.
func New(opts Options) (*Store, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("kv store is required")
	}

	s := &Store{
		kv:           opts.Store,
		pageSize:     opts.PageSize,
		persistDelay: opts.PersistDelay,
		clock:        opts.Clock,
	}
	if s.pageSize <= 0 {
		s.pageSize = defaultPageSize
	}
	if s.persistDelay == 0 {
		s.persistDelay = defaultPersistDelay
	}
	if s.clock == nil {
		s.clock = time.Now
	}

	if data, ok := s.kv.Get(snapshotKey); ok {
		var snap feedSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err == nil {
			s.posts = snap.Posts
			s.notifications = snap.Notifications
			s.stories = snap.Stories
		} else {
			log.Printf("feed: discarding corrupt snapshot: %v", err)
		}
	}

	s.visible = s.pageSize
	s.sortLocked()
	return s, nil
}

// Refresh merges canonical posts into the store. Canonical wins for
// author, content, image, timestamp, likes and shares; local wins for
// everything the client owns. Posts only known locally are retained.
func (s *Store) Refresh(canonical []Post) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]*LocalPost, len(s.posts))
	for _, p := range s.posts {
		byID[p.ID] = p
	}

	for _, c := range canonical {
		c.Content = sanitize.Text(c.Content)
		c.Image = sanitize.MediaURL(c.Image)

		if local, ok := byID[c.ID]; ok {
			local.Author = c.Author
			local.Content = c.Content
			local.Image = c.Image
			local.Timestamp = c.Timestamp
			local.Likes = c.Likes
			local.Shares = c.Shares
			local.IsPinned = c.IsPinned
			recomputeLikes(local)
			continue
		}

		post := &LocalPost{
			Post:        c,
			Comments:    []Comment{},
			Pinned:      c.IsPinned,
			SharesCount: c.Shares,
		}
		s.posts = append(s.posts, post)
		byID[c.ID] = post
	}

	s.enforceSinglePinLocked()
	s.sortLocked()
	s.schedulePersist()
}

// CreatePost sanitizes and prepends a locally authored post. The id is
// prefixed so callers can tell it has not been through the server yet.
func (s *Store) CreatePost(author, content, image string) (string, error) {
	clean := sanitize.Text(content)
	if clean == "" {
		return "", ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	post := &LocalPost{
		Post: Post{
			ID:        LocalIDPrefix + uuid.NewString(),
			Author:    author,
			Content:   clean,
			Image:     sanitize.MediaURL(image),
			Timestamp: s.clock().Format(time.RFC3339),
		},
		Comments: []Comment{},
	}
	s.posts = append([]*LocalPost{post}, s.posts...)
	s.sortLocked()
	s.notifyLocked(author + " published a post")
	s.schedulePersist()
	return post.ID, nil
}

// TogglePin pins a post and force-unpins every other one, or unpins the
// post if it already held the slot.
func (s *Store) TogglePin(postID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.findLocked(postID)
	if target == nil {
		return
	}

	wasPinned := target.Pinned
	for _, p := range s.posts {
		p.Pinned = false
	}
	target.Pinned = !wasPinned
	s.sortLocked()
	if target.Pinned {
		s.notifyLocked(target.Author + "'s post was pinned")
	}
	s.schedulePersist()
}

// DeletePost removes a post by id. Authorship is the caller's problem.
func (s *Store) DeletePost(postID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.posts {
		if p.ID == postID {
			s.posts = append(s.posts[:i], s.posts[i+1:]...)
			s.schedulePersist()
			return
		}
	}
}

// ToggleSave flips the saved flag.
func (s *Store) ToggleSave(postID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(postID)
	if p == nil {
		return
	}
	p.Saved = !p.Saved
	if p.Saved {
		s.notifyLocked("Post by " + p.Author + " saved")
	}
	s.schedulePersist()
}

// ToggleReaction flips userID's reaction and recomputes the like count
// as the sum of all reaction sets. From the first toggle on, the
// canonical likes field is superseded by that sum.
func (s *Store) ToggleReaction(postID, emoji, userID string) {
	if emoji == "" || userID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(postID)
	if p == nil {
		return
	}
	p.Reactions = toggleSet(p.Reactions, emoji, userID)
	likes := 0
	for _, users := range p.Reactions {
		likes += len(users)
	}
	p.Likes = likes
	s.notifyLocked(userID + " reacted " + emoji + " to " + p.Author + "'s post")
	s.schedulePersist()
}

// AddComment appends a sanitized comment to a post. Comments are
// append-only; there is no edit or delete.
func (s *Store) AddComment(postID, text, author string) error {
	clean := sanitize.Text(text)
	if clean == "" {
		return ErrEmptyComment
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(postID)
	if p == nil {
		return nil
	}
	p.Comments = append(p.Comments, Comment{
		ID:        uuid.NewString(),
		Author:    author,
		Content:   clean,
		Timestamp: s.clock().Format(time.RFC3339),
	})
	s.notifyLocked(author + " commented on " + p.Author + "'s post")
	s.schedulePersist()
	return nil
}

// ReportPost marks a post reported. Reporting twice is a no-op.
func (s *Store) ReportPost(postID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(postID)
	if p == nil || p.Reported {
		return
	}
	p.Reported = true
	note := "Post by " + p.Author + " reported"
	if reason != "" {
		note += ": " + sanitize.Text(reason)
	}
	s.notifyLocked(note)
	s.schedulePersist()
}

// MarkPostSeen records that a user saw a post.
func (s *Store) MarkPostSeen(postID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(postID)
	if p == nil {
		return
	}
	p.SeenBy = addToSet(p.SeenBy, userID)
	s.schedulePersist()
}

// Paginate reveals another page of the already loaded, already sorted
// list. Past the end it is a no-op.
func (s *Store) Paginate(pageSize int) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.visible >= len(s.posts) {
		return
	}
	s.visible += pageSize
	if s.visible > len(s.posts) {
		s.visible = len(s.posts)
	}
}

// Visible returns a copy of the currently revealed window.
func (s *Store) Visible() []LocalPost {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.visible
	if n > len(s.posts) {
		n = len(s.posts)
	}
	out := make([]LocalPost, n)
	for i := 0; i < n; i++ {
		out[i] = *s.posts[i]
	}
	return out
}

// Posts returns a copy of every post, visible or not.
func (s *Store) Posts() []LocalPost {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LocalPost, len(s.posts))
	for i, p := range s.posts {
		out[i] = *p
	}
	return out
}

// Notifications returns the audit log, newest first.
func (s *Store) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notifications...)
}

// RefreshStories merges canonical stories, keeping local seen and
// reaction state and dropping expired entries.
func (s *Store) RefreshStories(canonical []Story) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]*Story, len(s.stories))
	for _, st := range s.stories {
		byID[st.ID] = st
	}

	now := s.clock()
	merged := make([]*Story, 0, len(canonical))
	for _, c := range canonical {
		if !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now) {
			continue
		}
		c.MediaURL = sanitize.MediaURL(c.MediaURL)
		story := c
		if local, ok := byID[c.ID]; ok {
			story.SeenBy = local.SeenBy
			story.Reactions = local.Reactions
		}
		merged = append(merged, &story)
	}
	s.stories = merged
	s.schedulePersist()
}

// Stories returns a copy of the current stories.
func (s *Store) Stories() []Story {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Story, len(s.stories))
	for i, st := range s.stories {
		out[i] = *st
	}
	return out
}

// MarkStorySeen records a viewer on a story.
func (s *Store) MarkStorySeen(storyID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.stories {
		if st.ID == storyID {
			st.SeenBy = addToSet(st.SeenBy, userID)
			s.schedulePersist()
			return
		}
	}
}

// ToggleStoryReaction flips a reaction on a story, same semantics as
// post reactions.
func (s *Store) ToggleStoryReaction(storyID, emoji, userID string) {
	if emoji == "" || userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.stories {
		if st.ID == storyID {
			st.Reactions = toggleSet(st.Reactions, emoji, userID)
			s.schedulePersist()
			return
		}
	}
}

func (s *Store) findLocked(postID string) *LocalPost {
	for _, p := range s.posts {
		if p.ID == postID {
			return p
		}
	}
	return nil
}

// notifyLocked prepends an audit entry, capped newest-first.
func (s *Store) notifyLocked(text string) {
	entry := Notification{Text: text, Timestamp: s.clock().Format(time.RFC3339)}
	s.notifications = append([]Notification{entry}, s.notifications...)
	if len(s.notifications) > NotificationLimit {
		s.notifications = s.notifications[:NotificationLimit]
	}
}

// enforceSinglePinLocked keeps the first pinned post and clears the
// rest. A canonical refresh may flag several posts pinned; the local
// invariant is one slot.
func (s *Store) enforceSinglePinLocked() {
	seen := false
	for _, p := range s.posts {
		if p.Pinned {
			if seen {
				p.Pinned = false
			}
			seen = true
		}
	}
}

// sortLocked orders pinned first, then parsed timestamp descending.
// Unparsable timestamps sort oldest.
func (s *Store) sortLocked() {
	sort.SliceStable(s.posts, func(i, j int) bool {
		a, b := s.posts[i], s.posts[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		return parseTimestamp(a.Timestamp).After(parseTimestamp(b.Timestamp))
	})
}

// schedulePersist debounces snapshot writes; every mutation cancels and
// reschedules. Caller holds the lock.
func (s *Store) schedulePersist() {
	if s.persistDelay < 0 {
		s.persistLocked()
		return
	}
	if s.persistTimer != nil {
		s.persistTimer.Stop()
	}
	s.persistTimer = time.AfterFunc(s.persistDelay, s.persist)
}

func (s *Store) persist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked()
}

// persistLocked writes the bounded snapshot. Failures are logged and
// swallowed; memory stays authoritative for the session.
func (s *Store) persistLocked() {
	snap := feedSnapshot{Posts: s.posts, Notifications: s.notifications, Stories: s.stories}
	if len(snap.Posts) > SnapshotPostLimit {
		snap.Posts = snap.Posts[:SnapshotPostLimit]
	}
	if len(snap.Notifications) > SnapshotNotificationLimit {
		snap.Notifications = snap.Notifications[:SnapshotNotificationLimit]
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("feed: marshal snapshot failed: %v", err)
		return
	}
	if err := s.kv.Set(snapshotKey, string(data)); err != nil {
		log.Printf("feed: persist snapshot failed: %v", err)
	}
}

// Flush writes the snapshot immediately.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistTimer != nil {
		s.persistTimer.Stop()
		s.persistTimer = nil
	}
	s.persistLocked()
}

func recomputeLikes(p *LocalPost) {
	if len(p.Reactions) == 0 {
		return
	}
	likes := 0
	for _, users := range p.Reactions {
		likes += len(users)
	}
	p.Likes = likes
}
