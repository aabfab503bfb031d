package chat

import (
	"encoding/json"
	"fmt"
)

// Event is the closed set of realtime events exchanged over a Transport.
// Every concrete event carries the room it belongs to so transports can
// route without inspecting payloads beyond the type switch.
type Event interface {
	isEvent()
}

type MessageEvent struct {
	Room      string
	ID        string
	MsgType   MessageType
	Sender    string // user id on the wire, or "system"
	Text      string
	MediaURL  string
	Duration  int
	ReplyTo   string
	Timestamp string
}

type TypingEvent struct {
	Room   string
	UserID string
	Typing bool
}

type StatusEvent struct {
	Room   string
	UserID string
	Online bool
}

type SeenEvent struct {
	Room      string
	MessageID string
}

type DeliveredEvent struct {
	Room      string
	MessageID string
}

type ReactionEvent struct {
	Room      string
	MessageID string
	Emoji     string
	UserID    string
}

type EditEvent struct {
	Room      string
	MessageID string
	Text      string
}

type DeleteEvent struct {
	Room      string
	MessageID string
}

func (*MessageEvent) isEvent()   {}
func (*TypingEvent) isEvent()    {}
func (*StatusEvent) isEvent()    {}
func (*SeenEvent) isEvent()      {}
func (*DeliveredEvent) isEvent() {}
func (*ReactionEvent) isEvent()  {}
func (*EditEvent) isEvent()      {}
func (*DeleteEvent) isEvent()    {}

// EventRoom returns the room an event is addressed to.
func EventRoom(ev Event) string {
	switch e := ev.(type) {
	case *MessageEvent:
		return e.Room
	case *TypingEvent:
		return e.Room
	case *StatusEvent:
		return e.Room
	case *SeenEvent:
		return e.Room
	case *DeliveredEvent:
		return e.Room
	case *ReactionEvent:
		return e.Room
	case *EditEvent:
		return e.Room
	case *DeleteEvent:
		return e.Room
	default:
		return ""
	}
}

// envelope is the JSON wire form shared by all event kinds.
type envelope struct {
	Type      string `json:"type"`
	Room      string `json:"room,omitempty"`
	ID        string `json:"id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	MsgType   string `json:"msg_type,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text,omitempty"`
	MediaURL  string `json:"media_url,omitempty"`
	Duration  int    `json:"duration,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Typing    bool   `json:"typing,omitempty"`
	Online    bool   `json:"online,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// EncodeEvent serializes an event into its wire envelope.
func EncodeEvent(ev Event) ([]byte, error) {
	var env envelope
	switch e := ev.(type) {
	case *MessageEvent:
		env = envelope{
			Type:      "message",
			Room:      e.Room,
			ID:        e.ID,
			MsgType:   string(e.MsgType),
			Sender:    e.Sender,
			Text:      e.Text,
			MediaURL:  e.MediaURL,
			Duration:  e.Duration,
			ReplyTo:   e.ReplyTo,
			Timestamp: e.Timestamp,
		}
	case *TypingEvent:
		env = envelope{Type: "typing", Room: e.Room, UserID: e.UserID, Typing: e.Typing}
	case *StatusEvent:
		env = envelope{Type: "status", Room: e.Room, UserID: e.UserID, Online: e.Online}
	case *SeenEvent:
		env = envelope{Type: "seen", Room: e.Room, MessageID: e.MessageID}
	case *DeliveredEvent:
		env = envelope{Type: "delivered", Room: e.Room, MessageID: e.MessageID}
	case *ReactionEvent:
		env = envelope{Type: "reaction", Room: e.Room, MessageID: e.MessageID, Emoji: e.Emoji, UserID: e.UserID}
	case *EditEvent:
		env = envelope{Type: "edit", Room: e.Room, MessageID: e.MessageID, Text: e.Text}
	case *DeleteEvent:
		env = envelope{Type: "delete", Room: e.Room, MessageID: e.MessageID}
	default:
		return nil, fmt.Errorf("unknown event type %T", ev)
	}
	return json.Marshal(env)
}

// DecodeEvent parses a wire envelope into its concrete event.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}

	switch env.Type {
	case "message":
		return &MessageEvent{
			Room:      env.Room,
			ID:        env.ID,
			MsgType:   MessageType(env.MsgType),
			Sender:    env.Sender,
			Text:      env.Text,
			MediaURL:  env.MediaURL,
			Duration:  env.Duration,
			ReplyTo:   env.ReplyTo,
			Timestamp: env.Timestamp,
		}, nil
	case "typing":
		return &TypingEvent{Room: env.Room, UserID: env.UserID, Typing: env.Typing}, nil
	case "status":
		return &StatusEvent{Room: env.Room, UserID: env.UserID, Online: env.Online}, nil
	case "seen":
		return &SeenEvent{Room: env.Room, MessageID: env.MessageID}, nil
	case "delivered":
		return &DeliveredEvent{Room: env.Room, MessageID: env.MessageID}, nil
	case "reaction":
		return &ReactionEvent{Room: env.Room, MessageID: env.MessageID, Emoji: env.Emoji, UserID: env.UserID}, nil
	case "edit":
		return &EditEvent{Room: env.Room, MessageID: env.MessageID, Text: env.Text}, nil
	case "delete":
		return &DeleteEvent{Room: env.Room, MessageID: env.MessageID}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// Transport is the realtime channel a session speaks over. Any
// publish/subscribe implementation delivering events per room satisfies
// it; the websocket hub is the production implementation.
type Transport interface {
	Join(room, userID string) error
	Leave(room, userID string) error
	Emit(ev Event) error
	On(room, userID string, handler func(Event))
	Off(room, userID string)
}
