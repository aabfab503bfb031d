package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/4xmen/shabakeh/internal/chat"
	"github.com/4xmen/shabakeh/internal/kv"
)

// ArchiveLimit bounds the number of events kept per room log.
const ArchiveLimit = 100

// Archive keeps a bounded per-room log of relayed content events so a
// reconnecting client can rebuild its conversation. Ephemeral events
// (typing, presence, acks) are not recorded.
type Archive struct {
	mu    sync.Mutex
	store kv.Store
}

func NewArchive(store kv.Store) *Archive {
	return &Archive{store: store}
}

func archiveKey(room string) string {
	return "roomlog:" + room
}

// Record appends a content event to the room's log, trimming to the
// newest ArchiveLimit entries. Failures are logged and dropped.
func (a *Archive) Record(ev chat.Event) {
	switch ev.(type) {
	case *chat.MessageEvent, *chat.EditEvent, *chat.DeleteEvent, *chat.ReactionEvent:
	default:
		return
	}

	encoded, err := chat.EncodeEvent(ev)
	if err != nil {
		log.Printf("ws: archive encode failed: %v", err)
		return
	}

	room := chat.EventRoom(ev)

	a.mu.Lock()
	defer a.mu.Unlock()

	events := a.loadLocked(room)
	events = append(events, json.RawMessage(encoded))
	if len(events) > ArchiveLimit {
		events = events[len(events)-ArchiveLimit:]
	}

	data, err := json.Marshal(events)
	if err != nil {
		log.Printf("ws: archive marshal failed for room %s: %v", room, err)
		return
	}
	if err := a.store.Set(archiveKey(room), string(data)); err != nil {
		log.Printf("ws: archive persist failed for room %s: %v", room, err)
	}
}

// Events returns the recorded log for a room, oldest first.
func (a *Archive) Events(room string) []json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadLocked(room)
}

func (a *Archive) loadLocked(room string) []json.RawMessage {
	data, ok := a.store.Get(archiveKey(room))
	if !ok {
		return nil
	}
	var events []json.RawMessage
	if err := json.Unmarshal([]byte(data), &events); err != nil {
		log.Printf("ws: discarding corrupt archive for room %s", room)
		return nil
	}
	return events
}
