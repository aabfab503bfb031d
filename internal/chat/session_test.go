package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/4xmen/shabakeh/internal/kv"
)

type fakeTransport struct {
	mu       sync.Mutex
	joined   []string
	left     []string
	emitted  []Event
	handlers map[string]func(Event)
	failEmit bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(Event))}
}

func (f *fakeTransport) Join(room, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, room+"/"+userID)
	return nil
}

func (f *fakeTransport) Leave(room, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, room+"/"+userID)
	return nil
}

func (f *fakeTransport) Emit(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEmit {
		return errors.New("transport down")
	}
	f.emitted = append(f.emitted, ev)
	return nil
}

func (f *fakeTransport) On(room, userID string, handler func(Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[room+"/"+userID] = handler
}

func (f *fakeTransport) Off(room, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, room+"/"+userID)
}

func (f *fakeTransport) events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.emitted...)
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func openTestSession(t *testing.T) (*Session, *fakeTransport, *kv.Memory) {
	t.Helper()
	transport := newFakeTransport()
	store := kv.NewMemory()
	session, err := Open("A", "B", Options{
		Transport:    transport,
		Store:        store,
		PersistDelay: -1, // write through, no debounce
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(session.Close)
	return session, transport, store
}

// userMessages filters out the seeded system welcome message.
func userMessages(s *Session) []Message {
	var out []Message
	for _, m := range s.Messages() {
		if m.Sender != SenderSystem {
			out = append(out, m)
		}
	}
	return out
}

func TestRoomKeySymmetric(t *testing.T) {
	pairs := [][2]string{{"A", "B"}, {"alice", "bob"}, {"9", "10"}, {"x", "x"}}
	for _, p := range pairs {
		if RoomKey(p[0], p[1]) != RoomKey(p[1], p[0]) {
			t.Errorf("RoomKey(%q,%q) != RoomKey(%q,%q)", p[0], p[1], p[1], p[0])
		}
	}
	if got := RoomKey("B", "A"); got != "A*B" {
		t.Errorf("RoomKey(B,A) = %q, want %q", got, "A*B")
	}
}

func TestParseRoomKey(t *testing.T) {
	a, b, ok := ParseRoomKey("A*B")
	if !ok || a != "A" || b != "B" {
		t.Errorf("ParseRoomKey(A*B) = %q, %q, %v", a, b, ok)
	}
	if _, _, ok := ParseRoomKey("no-separator"); ok {
		t.Error("ParseRoomKey accepted a key without separator")
	}
}

func TestOpenSeedsWelcomeMessage(t *testing.T) {
	session, _, _ := openTestSession(t)

	msgs := session.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 seeded message, got %d", len(msgs))
	}
	if msgs[0].Sender != SenderSystem || msgs[0].Type != TypeSystem {
		t.Errorf("seeded message = %+v, want system welcome", msgs[0])
	}
}

func TestSendTextOptimisticDelivery(t *testing.T) {
	session, transport, _ := openTestSession(t)

	if err := session.SendText("hello"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	msgs := userMessages(session)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Sender != SenderMe {
		t.Errorf("sender = %q, want %q", msg.Sender, SenderMe)
	}
	if msg.Delivered || msg.Seen {
		t.Errorf("new message delivered=%v seen=%v, want false/false", msg.Delivered, msg.Seen)
	}

	// Delivery is confirmed only by an explicit acknowledgement.
	session.Handle(&DeliveredEvent{Room: session.Room(), MessageID: msg.ID})

	msg = userMessages(session)[0]
	if !msg.Delivered {
		t.Error("message not delivered after delivered ack")
	}
	if msg.Seen {
		t.Error("delivered ack must not mark the message seen")
	}

	// The message event went out on the transport.
	found := false
	for _, ev := range transport.events() {
		if me, ok := ev.(*MessageEvent); ok && me.ID == msg.ID {
			found = true
		}
	}
	if !found {
		t.Error("message event was not emitted")
	}
}

func TestSendTextValidation(t *testing.T) {
	session, _, _ := openTestSession(t)

	before := len(session.Messages())

	if err := session.SendText("   "); err != ErrEmptyMessage {
		t.Errorf("SendText(blank) = %v, want ErrEmptyMessage", err)
	}
	if err := session.SendText(strings.Repeat("x", 1001)); err != ErrMessageTooLong {
		t.Errorf("SendText(1001 chars) = %v, want ErrMessageTooLong", err)
	}
	if err := session.SendText(strings.Repeat("x", 1000)); err != nil {
		t.Errorf("SendText(1000 chars) = %v, want nil", err)
	}

	if got := len(session.Messages()); got != before+1 {
		t.Errorf("message count = %d, want %d (rejected sends must not append)", got, before+1)
	}
}

func TestSendTextStripsMarkup(t *testing.T) {
	session, _, _ := openTestSession(t)

	if err := session.SendText("hello <script>alert(1)</script>"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	msg := userMessages(session)[0]
	if strings.ContainsAny(msg.Text, "<>") {
		t.Errorf("stored text %q still contains markup", msg.Text)
	}
	if !strings.HasPrefix(msg.Text, "hello") {
		t.Errorf("stored text %q lost its plain content", msg.Text)
	}
}

func TestSeenImpliesDelivered(t *testing.T) {
	session, _, _ := openTestSession(t)

	if err := session.SendText("out of order acks"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	id := userMessages(session)[0].ID

	// Seen arrives before delivered; both flags must hold afterwards.
	session.Handle(&SeenEvent{Room: session.Room(), MessageID: id})

	msg := userMessages(session)[0]
	if !msg.Seen || !msg.Delivered {
		t.Errorf("after seen ack: seen=%v delivered=%v, want true/true", msg.Seen, msg.Delivered)
	}

	// A late delivered ack must not regress anything.
	session.Handle(&DeliveredEvent{Room: session.Room(), MessageID: id})
	msg = userMessages(session)[0]
	if !msg.Seen || !msg.Delivered {
		t.Errorf("after late delivered ack: seen=%v delivered=%v, want true/true", msg.Seen, msg.Delivered)
	}
}

func TestIncomingMessageDeduplication(t *testing.T) {
	session, _, _ := openTestSession(t)

	incoming := &MessageEvent{
		Room:    session.Room(),
		ID:      "m-1",
		MsgType: TypeText,
		Sender:  "B",
		Text:    "hi",
	}
	session.Handle(incoming)
	session.Handle(incoming)
	session.Handle(incoming)

	if got := len(userMessages(session)); got != 1 {
		t.Errorf("message count = %d after triple delivery, want 1", got)
	}
	if got := session.Unread(); got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
}

func TestUnreadAndMarkSeenOnFocus(t *testing.T) {
	session, transport, _ := openTestSession(t)

	session.Handle(&MessageEvent{Room: session.Room(), ID: "m-1", MsgType: TypeText, Sender: "B", Text: "one"})
	session.Handle(&MessageEvent{Room: session.Room(), ID: "m-2", MsgType: TypeText, Sender: "B", Text: "two"})

	if got := session.Unread(); got != 2 {
		t.Fatalf("unread = %d, want 2", got)
	}

	session.MarkSeenOnFocus()

	if got := session.Unread(); got != 0 {
		t.Errorf("unread after focus = %d, want 0", got)
	}
	seenAcks := 0
	for _, ev := range transport.events() {
		if _, ok := ev.(*SeenEvent); ok {
			seenAcks++
		}
	}
	if seenAcks != 2 {
		t.Errorf("seen acks emitted = %d, want 2", seenAcks)
	}
	for _, m := range userMessages(session) {
		if !m.Seen || !m.Delivered {
			t.Errorf("message %s seen=%v delivered=%v after focus", m.ID, m.Seen, m.Delivered)
		}
	}

	// While focused, a new arrival is acknowledged immediately.
	session.Handle(&MessageEvent{Room: session.Room(), ID: "m-3", MsgType: TypeText, Sender: "B", Text: "three"})
	if got := session.Unread(); got != 0 {
		t.Errorf("unread while focused = %d, want 0", got)
	}
}

func TestPinnedMessageSingleSlot(t *testing.T) {
	session, _, _ := openTestSession(t)

	session.SendText("first")
	session.SendText("second")
	msgs := userMessages(session)

	session.PinMessage(msgs[0].ID)
	if session.PinnedMessageID() != msgs[0].ID {
		t.Fatalf("pinned = %q, want %q", session.PinnedMessageID(), msgs[0].ID)
	}

	// Pinning another message replaces the slot.
	session.PinMessage(msgs[1].ID)
	if session.PinnedMessageID() != msgs[1].ID {
		t.Errorf("pinned = %q, want %q", session.PinnedMessageID(), msgs[1].ID)
	}

	// Deleting the pinned message clears the pin.
	session.DeleteMessage(msgs[1].ID)
	if session.PinnedMessageID() != "" {
		t.Errorf("pinned = %q after deleting pinned message, want empty", session.PinnedMessageID())
	}

	// Unknown ids are ignored.
	session.PinMessage("no-such-message")
	if session.PinnedMessageID() != "" {
		t.Error("pinning an unknown id set the slot")
	}
}

func TestToggleReactionInvolution(t *testing.T) {
	session, _, _ := openTestSession(t)

	session.SendText("react to me")
	id := userMessages(session)[0].ID

	session.ToggleReaction(id, "👍", "B")
	if got := userMessages(session)[0].Reactions["👍"]; len(got) != 1 || got[0] != "B" {
		t.Fatalf("reactions = %v, want [B]", got)
	}

	session.ToggleReaction(id, "👍", "B")
	if got := userMessages(session)[0].Reactions["👍"]; len(got) != 0 {
		t.Errorf("reactions = %v after double toggle, want empty", got)
	}
}

func TestSubmitEditOnlyOwnMessages(t *testing.T) {
	session, transport, _ := openTestSession(t)

	session.Handle(&MessageEvent{Room: session.Room(), ID: "theirs", MsgType: TypeText, Sender: "B", Text: "original"})
	if err := session.SubmitEdit("theirs", "hijacked"); err != nil {
		t.Fatalf("SubmitEdit on peer message returned %v, want silent no-op", err)
	}
	for _, m := range session.Messages() {
		if m.ID == "theirs" && m.Text != "original" {
			t.Errorf("peer message text = %q, edit must not apply", m.Text)
		}
	}

	session.SendText("mine")
	mine := userMessages(session)[len(userMessages(session))-1]
	if err := session.SubmitEdit(mine.ID, "mine, edited"); err != nil {
		t.Fatalf("SubmitEdit failed: %v", err)
	}

	var edited Message
	for _, m := range session.Messages() {
		if m.ID == mine.ID {
			edited = m
		}
	}
	if edited.Text != "mine, edited" || !edited.Edited {
		t.Errorf("edited message = %+v", edited)
	}

	found := false
	for _, ev := range transport.events() {
		if ee, ok := ev.(*EditEvent); ok && ee.MessageID == mine.ID {
			found = true
		}
	}
	if !found {
		t.Error("edit event was not emitted")
	}

	// Unknown id is a silent no-op.
	if err := session.SubmitEdit("vanished", "whatever"); err != nil {
		t.Errorf("SubmitEdit(unknown) = %v, want nil", err)
	}
}

func TestInputModesMutuallyExclusive(t *testing.T) {
	session, _, _ := openTestSession(t)

	session.SendText("target")
	id := userMessages(session)[0].ID

	// Entering edit mode blocks plain sends until the edit is submitted.
	session.StartEdit(id)
	if err := session.SendText("blocked"); err != ErrEditPending {
		t.Fatalf("SendText during edit = %v, want ErrEditPending", err)
	}
	if err := session.SubmitEdit(id, "target, fixed"); err != nil {
		t.Fatalf("SubmitEdit failed: %v", err)
	}
	if err := session.SendText("unblocked"); err != nil {
		t.Errorf("SendText after edit = %v, want nil", err)
	}

	// Reply mode attaches the target and is consumed by the send.
	session.StartReply(id)
	session.SendText("a reply")
	msgs := userMessages(session)
	last := msgs[len(msgs)-1]
	if last.ReplyTo != id {
		t.Errorf("ReplyTo = %q, want %q", last.ReplyTo, id)
	}

	session.SendText("not a reply")
	msgs = userMessages(session)
	if got := msgs[len(msgs)-1].ReplyTo; got != "" {
		t.Errorf("ReplyTo = %q on follow-up message, want empty", got)
	}

	// Starting an edit cancels a pending reply.
	session.StartReply(id)
	session.StartEdit(id)
	session.CancelInput()
	session.SendText("idle again")
	msgs = userMessages(session)
	if got := msgs[len(msgs)-1].ReplyTo; got != "" {
		t.Errorf("ReplyTo = %q after CancelInput, want empty", got)
	}
}

func TestTypingDebounce(t *testing.T) {
	transport := newFakeTransport()
	session, err := Open("A", "B", Options{
		Transport:     transport,
		Store:         kv.NewMemory(),
		TypingTimeout: 20 * time.Millisecond,
		PersistDelay:  -1,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer session.Close()

	session.SetTyping(true)
	if !session.LocalTyping() {
		t.Fatal("typing signal not set")
	}

	// Each keystroke resets the timer.
	time.Sleep(12 * time.Millisecond)
	session.SetTyping(true)
	time.Sleep(12 * time.Millisecond)
	if !session.LocalTyping() {
		t.Error("typing signal cleared before the debounce window elapsed")
	}

	time.Sleep(30 * time.Millisecond)
	if session.LocalTyping() {
		t.Error("typing signal not auto-cleared after the timeout")
	}

	var last *TypingEvent
	for _, ev := range transport.events() {
		if te, ok := ev.(*TypingEvent); ok {
			last = te
		}
	}
	if last == nil || last.Typing {
		t.Errorf("last typing event = %+v, want typing=false", last)
	}
}

func TestMediaURLProtocolAllowList(t *testing.T) {
	session, _, _ := openTestSession(t)

	if err := session.SendMedia(TypeImage, "javascript:alert(1)", 0); err != nil {
		t.Fatalf("SendMedia failed: %v", err)
	}
	msgs := userMessages(session)
	if got := msgs[len(msgs)-1].MediaURL; got != "" {
		t.Errorf("disallowed media URL stored as %q, want dropped", got)
	}

	if err := session.SendMedia(TypeVoice, "https://cdn.example.com/v.ogg", 12); err != nil {
		t.Fatalf("SendMedia failed: %v", err)
	}
	msgs = userMessages(session)
	last := msgs[len(msgs)-1]
	if last.MediaURL != "https://cdn.example.com/v.ogg" || last.Duration != 12 {
		t.Errorf("voice message = %+v", last)
	}

	if err := session.SendMedia(TypeText, "https://x", 0); err != ErrInvalidMediaKind {
		t.Errorf("SendMedia(text) = %v, want ErrInvalidMediaKind", err)
	}
}

func TestTransportFailureIsOptimistic(t *testing.T) {
	transport := newFakeTransport()
	transport.failEmit = true
	session, err := Open("A", "B", Options{
		Transport:    transport,
		Store:        kv.NewMemory(),
		PersistDelay: -1,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer session.Close()

	if err := session.SendText("into the void"); err != nil {
		t.Fatalf("SendText with failing transport = %v, want nil", err)
	}
	msgs := userMessages(session)
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want 1 (optimistic append)", len(msgs))
	}
	if msgs[0].Delivered {
		t.Error("message marked delivered without an acknowledgement")
	}
}

func TestCacheBoundedToFiftyMessages(t *testing.T) {
	session, _, store := openTestSession(t)

	for i := 0; i < 60; i++ {
		session.Handle(&MessageEvent{
			Room:    session.Room(),
			ID:      fmt.Sprintf("m-%d", i),
			MsgType: TypeText,
			Sender:  "B",
			Text:    "filler",
		})
	}
	session.Flush()

	data, ok := store.Get("chat:" + session.Room())
	if !ok {
		t.Fatal("no cache written")
	}
	if got := strings.Count(data, `"id"`); got > CacheLimit {
		t.Errorf("cache holds %d messages, want at most %d", got, CacheLimit)
	}
}

func TestCloseDetachesAndPersists(t *testing.T) {
	transport := newFakeTransport()
	store := kv.NewMemory()

	session, err := Open("A", "B", Options{Transport: transport, Store: store, PersistDelay: -1})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	session.SendText("remember me")
	session.Close()

	if transport.handlerCount() != 0 {
		t.Error("Close did not detach the room handler")
	}
	if len(transport.left) != 1 {
		t.Errorf("leave events = %d, want 1", len(transport.left))
	}

	// Events after Close must not mutate anything.
	session.Handle(&MessageEvent{Room: session.Room(), ID: "late", MsgType: TypeText, Sender: "B", Text: "late"})
	if len(userMessages(session)) != 1 {
		t.Error("event applied after Close")
	}

	// Reopening restores the cached log, no second welcome message.
	reopened, err := Open("A", "B", Options{Transport: transport, Store: store, PersistDelay: -1})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	restored := userMessages(reopened)
	if len(restored) != 1 || restored[0].Text != "remember me" {
		t.Errorf("restored messages = %+v", restored)
	}
}

func TestDanglingReplyReference(t *testing.T) {
	session, _, _ := openTestSession(t)

	session.Handle(&MessageEvent{
		Room:    session.Room(),
		ID:      "m-1",
		MsgType: TypeText,
		Sender:  "B",
		Text:    "reply to nothing",
		ReplyTo: "never-existed",
	})

	msgs := userMessages(session)
	if got := msgs[0].ReplyTo; got != "" {
		t.Errorf("ReplyTo = %q for dangling reference, want empty", got)
	}
}

func TestIncomingDeleteClearsPin(t *testing.T) {
	session, _, _ := openTestSession(t)

	session.Handle(&MessageEvent{Room: session.Room(), ID: "m-1", MsgType: TypeText, Sender: "B", Text: "pin me"})
	session.PinMessage("m-1")

	session.Handle(&DeleteEvent{Room: session.Room(), MessageID: "m-1"})

	if session.PinnedMessageID() != "" {
		t.Error("pin not cleared by remote delete")
	}
	if len(userMessages(session)) != 0 {
		t.Error("message not removed by remote delete")
	}
}

func TestEventCodecRoundTrip(t *testing.T) {
	events := []Event{
		&MessageEvent{Room: "A*B", ID: "m-1", MsgType: TypeText, Sender: "A", Text: "hi", ReplyTo: "m-0", Timestamp: "3:45 PM"},
		&TypingEvent{Room: "A*B", UserID: "A", Typing: true},
		&StatusEvent{Room: "A*B", UserID: "B", Online: true},
		&SeenEvent{Room: "A*B", MessageID: "m-1"},
		&DeliveredEvent{Room: "A*B", MessageID: "m-1"},
		&ReactionEvent{Room: "A*B", MessageID: "m-1", Emoji: "🔥", UserID: "B"},
		&EditEvent{Room: "A*B", MessageID: "m-1", Text: "hi!"},
		&DeleteEvent{Room: "A*B", MessageID: "m-1"},
	}

	for _, ev := range events {
		data, err := EncodeEvent(ev)
		if err != nil {
			t.Fatalf("EncodeEvent(%T) failed: %v", ev, err)
		}
		decoded, err := DecodeEvent(data)
		if err != nil {
			t.Fatalf("DecodeEvent(%T) failed: %v", ev, err)
		}
		if EventRoom(decoded) != "A*B" {
			t.Errorf("EventRoom(%T) = %q, want A*B", decoded, EventRoom(decoded))
		}
	}

	if _, err := DecodeEvent([]byte(`{"type":"teleport"}`)); err == nil {
		t.Error("DecodeEvent accepted an unknown event type")
	}
	if _, err := DecodeEvent([]byte(`not json`)); err == nil {
		t.Error("DecodeEvent accepted malformed JSON")
	}
}
