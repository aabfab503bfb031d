package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/4xmen/shabakeh/internal/chat"
	"github.com/4xmen/shabakeh/pkg/i18n"
	"github.com/4xmen/shabakeh/pkg/sanitize"
)

var __ = i18n.Translate

var errBroadcastFull = errors.New("broadcast channel full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// Client is one websocket connection. send is never closed — routing
// goroutines write into it concurrently with disconnects, so shutdown
// is signalled through done instead.
type Client struct {
	userID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	done   chan struct{}
	rooms  map[string]bool
}

// controlFrame is the wire shape of join/leave requests. Anything with
// another type is decoded as a chat event.
type controlFrame struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	username, exists := c.Get("username")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v", err)
		return
	}

	client := &Client{
		userID: username.(string),
		conn:   conn,
		hub:    h,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		rooms:  make(map[string]bool),
	}

	h.register <- client

	go client.readPump()
	go client.writePump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws: read error: %v", err)
			}
			break
		}

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "join":
			if frame.Room == "" || !c.inRoomKey(frame.Room) {
				continue
			}
			c.hub.joinClient(frame.Room, c)
		case "leave":
			if !c.rooms[frame.Room] {
				continue
			}
			c.hub.leaveClient(frame.Room, c)
		default:
			c.handleEvent(data)
		}
	}
}

// inRoomKey guards against joining a conversation the user is not a
// party to.
func (c *Client) inRoomKey(room string) bool {
	a, b, ok := chat.ParseRoomKey(room)
	return ok && (a == c.userID || b == c.userID)
}

func (c *Client) handleEvent(data []byte) {
	ev, err := chat.DecodeEvent(data)
	if err != nil {
		return
	}
	room := chat.EventRoom(ev)
	if !c.rooms[room] {
		return
	}

	// Stamp the authenticated identity onto anything that claims one,
	// and sanitize payloads before the hub archives or fans them out.
	switch e := ev.(type) {
	case *chat.MessageEvent:
		e.Sender = c.userID
		e.Text = sanitize.Text(e.Text)
		e.MediaURL = sanitize.MediaURL(e.MediaURL)
		if utf8.RuneCountInString(e.Text) > c.hub.maxLen {
			return
		}
	case *chat.EditEvent:
		e.Text = sanitize.Text(e.Text)
	case *chat.TypingEvent:
		e.UserID = c.userID
	case *chat.ReactionEvent:
		e.UserID = c.userID
	case *chat.SeenEvent:
	case *chat.StatusEvent:
		// Presence is hub-owned; clients cannot assert it.
		return
	}

	if err := c.hub.Emit(ev); err != nil {
		log.Printf("ws: dropped event from user %s: %v", c.userID, err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
