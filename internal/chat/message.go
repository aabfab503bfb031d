package chat

import "strings"

type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeVoice  MessageType = "voice"
	TypeSystem MessageType = "system"
)

type Sender string

const (
	SenderMe     Sender = "me"
	SenderThem   Sender = "them"
	SenderSystem Sender = "system"
)

// Message is one entry in a conversation log. Delivered and Seen are
// monotonic: they only ever flip false to true, and Seen implies
// Delivered. Message order is append order; Timestamp is a display
// string and never used for sorting.
type Message struct {
	ID        string              `json:"id"`
	Type      MessageType         `json:"type"`
	Sender    Sender              `json:"sender"`
	Text      string              `json:"text,omitempty"`
	MediaURL  string              `json:"media_url,omitempty"`
	Duration  int                 `json:"duration,omitempty"`
	Timestamp string              `json:"timestamp"`
	Delivered bool                `json:"delivered"`
	Seen      bool                `json:"seen"`
	Edited    bool                `json:"edited,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty"`
	ReplyTo   string              `json:"reply_to,omitempty"`
}

// markDelivered and markSeen enforce the monotonic state machine.
func (m *Message) markDelivered() {
	m.Delivered = true
}

func (m *Message) markSeen() {
	m.Seen = true
	m.Delivered = true
}

// toggleReaction flips userID's membership in the emoji's reaction set.
// Applying it twice restores the original state.
func (m *Message) toggleReaction(emoji, userID string) {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	users := m.Reactions[emoji]
	for i, u := range users {
		if u == userID {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(m.Reactions, emoji)
			} else {
				m.Reactions[emoji] = users
			}
			return
		}
	}
	m.Reactions[emoji] = append(users, userID)
}

// RoomKey derives the canonical room id for a pair of users. It is
// symmetric: RoomKey(a, b) == RoomKey(b, a).
func RoomKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "*" + b
}

// ParseRoomKey splits a room key back into its two participants.
func ParseRoomKey(room string) (string, string, bool) {
	parts := strings.SplitN(room, "*", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
