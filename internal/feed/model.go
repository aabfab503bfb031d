package feed

import "time"

// Post is the canonical, externally supplied shape of a feed post.
type Post struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	Image     string `json:"image,omitempty"`
	Timestamp string `json:"timestamp"`
	Likes     int    `json:"likes"`
	Shares    int    `json:"shares"`
	IsPinned  bool   `json:"is_pinned"`
}

// Comment is append-only per post.
type Comment struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// LocalPost extends a canonical post with interaction state owned by
// this client. On refresh the canonical fields are overwritten and the
// local fields survive.
type LocalPost struct {
	Post
	Comments    []Comment           `json:"comments"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
	Saved       bool                `json:"saved"`
	Pinned      bool                `json:"pinned"`
	SharesCount int                 `json:"shares_count"`
	Reported    bool                `json:"reported"`
	SeenBy      []string            `json:"seen_by,omitempty"`
}

// Story is a short-lived media item. Seen and reaction state is local,
// the rest arrives with each refresh.
type Story struct {
	ID        string              `json:"id"`
	Author    string              `json:"author"`
	MediaURL  string              `json:"media_url"`
	Kind      string              `json:"kind"` // image | video
	Timestamp string              `json:"timestamp"`
	ExpiresAt time.Time           `json:"expires_at,omitempty"`
	SeenBy    []string            `json:"seen_by,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// Notification is one entry of the bounded audit log.
type Notification struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// timestampLayouts are tried in order when sorting the feed. Post
// timestamps are display strings; whatever fails to parse sorts oldest.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"Jan 2, 2006 3:04 PM",
	"Jan 2, 2006",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func toggleSet(sets map[string][]string, key, member string) map[string][]string {
	if sets == nil {
		sets = make(map[string][]string)
	}
	users := sets[key]
	for i, u := range users {
		if u == member {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(sets, key)
			} else {
				sets[key] = users
			}
			return sets
		}
	}
	sets[key] = append(users, member)
	return sets
}

func addToSet(set []string, member string) []string {
	for _, m := range set {
		if m == member {
			return set
		}
	}
	return append(set, member)
}
