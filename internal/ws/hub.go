package ws

import (
	"log"
	"sync"

	"github.com/4xmen/shabakeh/internal/chat"
	"github.com/4xmen/shabakeh/internal/metrics"
)

// Notifier is poked when a message arrives for a user with no live
// connection. The push notifier implements it; nil disables push.
type Notifier interface {
	NotifyNewMessage(receiver, sender string)
}

// member is one participant slot in a room: a websocket client, an
// in-process handler (a server-side chat session), or both.
type member struct {
	client  *Client
	handler func(chat.Event)
}

// Hub routes chat events between room members. It implements
// chat.Transport so sessions can attach to it directly, and serves
// websocket clients speaking the same event envelopes.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan chat.Event

	mu       sync.RWMutex
	rooms    map[string]map[string]*member
	clients  map[string]*Client // userID -> connection
	notifier Notifier
	archive  *Archive
	maxLen   int
}

// DefaultMaxMessageLen bounds inbound websocket message text.
const DefaultMaxMessageLen = 1000

func NewHub(notifier Notifier) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan chat.Event, 256),
		rooms:      make(map[string]map[string]*member),
		clients:    make(map[string]*Client),
		notifier:   notifier,
		maxLen:     DefaultMaxMessageLen,
	}
}

// SetMaxMessageLen overrides the inbound message length bound. Call
// before Run.
func (h *Hub) SetMaxMessageLen(n int) {
	if n > 0 {
		h.maxLen = n
	}
}

// SetArchive makes the hub record relayed content events into the room
// log. Call before Run.
func (h *Hub) SetArchive(a *Archive) {
	h.archive = a
}

// Run processes registrations and event routing. Start it once, in its
// own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case ev := <-h.broadcast:
			h.route(ev)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	if old, ok := h.clients[client.userID]; ok && old != client {
		close(old.done)
		h.detachLocked(old)
	}
	h.clients[client.userID] = client
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketConnections.Set(float64(total))
	log.Printf("ws: user %s connected (total: %d)", client.userID, total)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.userID]
	if !ok || current != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.userID)
	close(client.done)
	left := h.detachLocked(client)
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WebsocketConnections.Set(float64(total))
	log.Printf("ws: user %s disconnected (total: %d)", client.userID, total)
	for _, room := range left {
		h.route(&chat.StatusEvent{Room: room, UserID: client.userID, Online: false})
	}
}

// detachLocked removes the client from every room it joined and returns
// those rooms. Caller holds the write lock.
func (h *Hub) detachLocked(client *Client) []string {
	var left []string
	for room := range client.rooms {
		if m, ok := h.rooms[room][client.userID]; ok {
			m.client = nil
			if m.handler == nil {
				delete(h.rooms[room], client.userID)
				if len(h.rooms[room]) == 0 {
					delete(h.rooms, room)
				}
			}
		}
		left = append(left, room)
	}
	return left
}

// joinClient adds a websocket client to a room and announces presence.
func (h *Hub) joinClient(room string, client *Client) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*member)
	}
	m := h.rooms[room][client.userID]
	if m == nil {
		m = &member{}
		h.rooms[room][client.userID] = m
	}
	m.client = client
	client.rooms[room] = true
	h.mu.Unlock()

	h.route(&chat.StatusEvent{Room: room, UserID: client.userID, Online: true})
}

func (h *Hub) leaveClient(room string, client *Client) {
	h.mu.Lock()
	delete(client.rooms, room)
	if m, ok := h.rooms[room][client.userID]; ok {
		m.client = nil
		if m.handler == nil {
			delete(h.rooms[room], client.userID)
			if len(h.rooms[room]) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()

	h.route(&chat.StatusEvent{Room: room, UserID: client.userID, Online: false})
}

// route fans an event out to every member of its room, then produces
// delivery acknowledgements or push notifications for message events.
func (h *Hub) route(ev chat.Event) {
	room := chat.EventRoom(ev)
	if room == "" {
		return
	}

	if h.archive != nil {
		h.archive.Record(ev)
	}

	type target struct {
		client  *Client
		handler func(chat.Event)
	}
	h.mu.RLock()
	var targets []target
	for _, m := range h.rooms[room] {
		targets = append(targets, target{client: m.client, handler: m.handler})
	}
	h.mu.RUnlock()

	var encoded []byte
	for _, t := range targets {
		if t.handler != nil {
			t.handler(ev)
		}
		if t.client == nil {
			continue
		}
		if encoded == nil {
			data, err := chat.EncodeEvent(ev)
			if err != nil {
				log.Printf("ws: encode failed: %v", err)
				return
			}
			encoded = data
		}
		select {
		case t.client.send <- encoded:
		default:
			log.Printf("ws: send buffer full for user %s", t.client.userID)
		}
	}

	if msg, ok := ev.(*chat.MessageEvent); ok {
		metrics.MessagesSent.Inc()
		h.acknowledge(room, msg)
	}
}

// acknowledge: when the counterparty is present the sender gets a
// delivered ack right away, otherwise the counterparty gets a push
// notification.
func (h *Hub) acknowledge(room string, msg *chat.MessageEvent) {
	a, b, ok := chat.ParseRoomKey(room)
	if !ok {
		return
	}
	counterpart := a
	if msg.Sender == a {
		counterpart = b
	}
	if counterpart == msg.Sender {
		return
	}

	h.mu.RLock()
	m := h.rooms[room][counterpart]
	present := m != nil && (m.client != nil || m.handler != nil)
	h.mu.RUnlock()

	if present {
		metrics.MessagesDelivered.Inc()
		h.route(&chat.DeliveredEvent{Room: room, MessageID: msg.ID})
		return
	}
	if h.notifier != nil {
		metrics.PushNotifications.Inc()
		h.notifier.NotifyNewMessage(counterpart, msg.Sender)
	}
}

// IsUserOnline reports whether a user has a live websocket connection.
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// OnlineUsers returns the connected user ids.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make([]string, 0, len(h.clients))
	for id := range h.clients {
		users = append(users, id)
	}
	return users
}

// Join, Leave, Emit, On and Off implement chat.Transport for in-process
// sessions.

func (h *Hub) Join(room, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*member)
	}
	if h.rooms[room][userID] == nil {
		h.rooms[room][userID] = &member{}
	}
	return nil
}

func (h *Hub) Leave(room, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.rooms[room][userID]
	if !ok {
		return nil
	}
	m.handler = nil
	if m.client == nil {
		delete(h.rooms[room], userID)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	return nil
}

func (h *Hub) Emit(ev chat.Event) error {
	select {
	case h.broadcast <- ev:
		return nil
	default:
		return errBroadcastFull
	}
}

func (h *Hub) On(room, userID string, handler func(chat.Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*member)
	}
	m := h.rooms[room][userID]
	if m == nil {
		m = &member{}
		h.rooms[room][userID] = m
	}
	m.handler = handler
}

func (h *Hub) Off(room, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.rooms[room][userID]
	if !ok {
		return
	}
	m.handler = nil
	if m.client == nil {
		delete(h.rooms[room], userID)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
}
