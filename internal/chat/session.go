package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/4xmen/shabakeh/internal/kv"
	"github.com/4xmen/shabakeh/pkg/sanitize"
)

const (
	// DefaultMaxMessageLen is the longest accepted message text, in runes.
	DefaultMaxMessageLen = 1000
	// CacheLimit bounds the per-room message cache. The cache is lossy;
	// older messages fall off and that is fine.
	CacheLimit = 50
	// DefaultTypingTimeout clears the local typing signal after the last
	// keystroke.
	DefaultTypingTimeout = 1000 * time.Millisecond

	defaultPersistDelay = 50 * time.Millisecond
)

var (
	ErrEmptyMessage     = errors.New("message is empty")
	ErrMessageTooLong   = errors.New("message too long")
	ErrEditPending      = errors.New("finish the pending edit first")
	ErrInvalidMediaKind = errors.New("unsupported media kind")
	ErrSessionClosed    = errors.New("session is closed")
)

type inputMode int

const (
	modeIdle inputMode = iota
	modeReplying
	modeEditing
)

// Options configures a Session. Transport may be nil: sends then succeed
// locally and delivery ticks simply never arrive.
type Options struct {
	Transport     Transport
	Store         kv.Store
	MaxMessageLen int           // 0 means DefaultMaxMessageLen
	TypingTimeout time.Duration // 0 means DefaultTypingTimeout
	PersistDelay  time.Duration // <0 disables debounce (write immediately)
	Clock         func() time.Time
}

// Session owns one two-party conversation: the message log, delivery and
// seen bookkeeping, typing debounce, reply/edit input modes, the pinned
// message slot and the bounded kv cache.
type Session struct {
	mu sync.Mutex

	room      string
	localUser string
	peerUser  string

	transport Transport
	store     kv.Store

	messages        []*Message
	pinnedMessageID string
	unread          int
	focused         bool
	localTyping     bool
	peerTyping      bool
	peerOnline      bool

	mode       inputMode
	modeTarget string

	maxLen        int
	typingTimeout time.Duration
	persistDelay  time.Duration
	clock         func() time.Time

	typingTimer  *time.Timer
	persistTimer *time.Timer
	closed       bool
}

// snapshot is the JSON blob cached per room.
type snapshot struct {
	Messages        []*Message `json:"messages"`
	PinnedMessageID string     `json:"pinned_message_id,omitempty"`
}

// Open loads the cached log for the pair's room (seeding a system
// welcome message when none exists), joins the room on the transport and
// starts receiving events for it.
func Open(localUser, peerUser string, opts Options) (*Session, error) {
	if localUser == "" || peerUser == "" {
		return nil, fmt.Errorf("both participants are required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("kv store is required")
	}

	s := &Session{
		room:          RoomKey(localUser, peerUser),
		localUser:     localUser,
		peerUser:      peerUser,
		transport:     opts.Transport,
		store:         opts.Store,
		maxLen:        opts.MaxMessageLen,
		typingTimeout: opts.TypingTimeout,
		persistDelay:  opts.PersistDelay,
		clock:         opts.Clock,
	}
	if s.maxLen == 0 {
		s.maxLen = DefaultMaxMessageLen
	}
	if s.typingTimeout == 0 {
		s.typingTimeout = DefaultTypingTimeout
	}
	if s.persistDelay == 0 {
		s.persistDelay = defaultPersistDelay
	}
	if s.clock == nil {
		s.clock = time.Now
	}

	s.load()

	if s.transport != nil {
		s.transport.On(s.room, s.localUser, s.Handle)
		if err := s.transport.Join(s.room, s.localUser); err != nil {
			log.Printf("chat: join %s failed: %v", s.room, err)
		}
	}

	return s, nil
}

func (s *Session) load() {
	data, ok := s.store.Get(s.cacheKey())
	if ok {
		var snap snapshot
		if err := json.Unmarshal([]byte(data), &snap); err == nil {
			s.messages = snap.Messages
			s.pinnedMessageID = snap.PinnedMessageID
			return
		}
		log.Printf("chat: discarding corrupt cache for room %s", s.room)
	}

	s.messages = []*Message{{
		ID:        uuid.NewString(),
		Type:      TypeSystem,
		Sender:    SenderSystem,
		Text:      "Say hi to start the conversation",
		Timestamp: s.displayTime(),
	}}
}

func (s *Session) cacheKey() string {
	return "chat:" + s.room
}

func (s *Session) displayTime() string {
	return s.clock().Format("3:04 PM")
}

// Room returns the canonical room key of this conversation.
func (s *Session) Room() string {
	return s.room
}

// SendText validates, sanitizes, appends and emits a text message. The
// append is optimistic: delivery is only confirmed later by a delivered
// event, and a message that never gets one stays "sent" forever.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.mode == modeEditing {
		s.mu.Unlock()
		return ErrEditPending
	}
	if err := s.validateText(text); err != nil {
		s.mu.Unlock()
		return err
	}
	clean := sanitize.Text(text)
	if clean == "" {
		s.mu.Unlock()
		return ErrEmptyMessage
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Type:      TypeText,
		Sender:    SenderMe,
		Text:      clean,
		Timestamp: s.displayTime(),
		ReplyTo:   s.takeReplyTarget(),
	}
	s.messages = append(s.messages, msg)
	s.schedulePersist()
	ev := s.outgoingEvent(msg)
	s.mu.Unlock()

	s.emit(ev)
	return nil
}

// SendMedia appends an image or voice message. A media URL failing the
// protocol allow-list is dropped silently; the message is still sent
// without it.
func (s *Session) SendMedia(kind MessageType, mediaURL string, duration int) error {
	if kind != TypeImage && kind != TypeVoice {
		return ErrInvalidMediaKind
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.mode == modeEditing {
		s.mu.Unlock()
		return ErrEditPending
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Type:      kind,
		Sender:    SenderMe,
		MediaURL:  sanitize.MediaURL(mediaURL),
		Duration:  duration,
		Timestamp: s.displayTime(),
		ReplyTo:   s.takeReplyTarget(),
	}
	s.messages = append(s.messages, msg)
	s.schedulePersist()
	ev := s.outgoingEvent(msg)
	s.mu.Unlock()

	s.emit(ev)
	return nil
}

func (s *Session) validateText(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(trimmed) > s.maxLen {
		return ErrMessageTooLong
	}
	return nil
}

// takeReplyTarget consumes the reply input mode. Caller holds the lock.
func (s *Session) takeReplyTarget() string {
	if s.mode != modeReplying {
		return ""
	}
	target := s.modeTarget
	s.mode = modeIdle
	s.modeTarget = ""
	return target
}

func (s *Session) outgoingEvent(msg *Message) Event {
	return &MessageEvent{
		Room:      s.room,
		ID:        msg.ID,
		MsgType:   msg.Type,
		Sender:    s.localUser,
		Text:      msg.Text,
		MediaURL:  msg.MediaURL,
		Duration:  msg.Duration,
		ReplyTo:   msg.ReplyTo,
		Timestamp: msg.Timestamp,
	}
}

// SubmitEdit rewrites one of the local user's messages. The original
// text is discarded. Unknown ids and messages sent by the peer are
// silent no-ops.
func (s *Session) SubmitEdit(messageID, newText string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	msg := s.find(messageID)
	if msg == nil || msg.Sender != SenderMe {
		s.mu.Unlock()
		return nil
	}
	if err := s.validateText(newText); err != nil {
		s.mu.Unlock()
		return err
	}
	clean := sanitize.Text(newText)
	if clean == "" {
		s.mu.Unlock()
		return ErrEmptyMessage
	}

	msg.Text = clean
	msg.Edited = true
	if s.mode == modeEditing && s.modeTarget == messageID {
		s.mode = modeIdle
		s.modeTarget = ""
	}
	s.schedulePersist()
	s.mu.Unlock()

	s.emit(&EditEvent{Room: s.room, MessageID: messageID, Text: clean})
	return nil
}

// DeleteMessage removes a message by id. No tombstone is kept. Deleting
// the pinned message clears the pin.
func (s *Session) DeleteMessage(messageID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.removeLocked(messageID) {
		s.mu.Unlock()
		return
	}
	s.schedulePersist()
	s.mu.Unlock()

	s.emit(&DeleteEvent{Room: s.room, MessageID: messageID})
}

// removeLocked deletes the message and fixes the pin slot. Caller holds
// the lock.
func (s *Session) removeLocked(messageID string) bool {
	for i, m := range s.messages {
		if m.ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			if s.pinnedMessageID == messageID {
				s.pinnedMessageID = ""
			}
			return true
		}
	}
	return false
}

// ToggleReaction flips userID's reaction on a message. Toggling twice
// restores the original state; concurrent toggles from two clients are
// last-write-wins with no conflict detection.
func (s *Session) ToggleReaction(messageID, emoji, userID string) {
	if emoji == "" || userID == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	msg := s.find(messageID)
	if msg == nil {
		s.mu.Unlock()
		return
	}
	msg.toggleReaction(emoji, userID)
	s.schedulePersist()
	s.mu.Unlock()

	s.emit(&ReactionEvent{Room: s.room, MessageID: messageID, Emoji: emoji, UserID: userID})
}

// PinMessage pins a message, replacing any previous pin (one slot per
// conversation). Unknown ids are ignored.
func (s *Session) PinMessage(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.find(messageID) == nil {
		return
	}
	s.pinnedMessageID = messageID
	s.schedulePersist()
}

// Unpin clears the pin slot.
func (s *Session) Unpin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pinnedMessageID = ""
	s.schedulePersist()
}

// StartReply enters reply mode for a message, leaving edit mode if
// active. Reply and edit modes are mutually exclusive.
func (s *Session) StartReply(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.find(messageID) == nil {
		return
	}
	s.mode = modeReplying
	s.modeTarget = messageID
}

// StartEdit enters edit mode for one of the local user's messages,
// leaving reply mode if active.
func (s *Session) StartEdit(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	msg := s.find(messageID)
	if msg == nil || msg.Sender != SenderMe {
		return
	}
	s.mode = modeEditing
	s.modeTarget = messageID
}

// CancelInput returns the input mode to idle.
func (s *Session) CancelInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = modeIdle
	s.modeTarget = ""
}

// SetTyping signals the peer that the local user is typing. The signal
// auto-clears after the typing timeout; every call resets the timer.
func (s *Session) SetTyping(isTyping bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}

	var ev Event
	if isTyping {
		s.localTyping = true
		ev = &TypingEvent{Room: s.room, UserID: s.localUser, Typing: true}
		s.typingTimer = time.AfterFunc(s.typingTimeout, s.typingExpired)
	} else if s.localTyping {
		s.localTyping = false
		ev = &TypingEvent{Room: s.room, UserID: s.localUser, Typing: false}
	}
	s.mu.Unlock()

	if ev != nil {
		s.emit(ev)
	}
}

func (s *Session) typingExpired() {
	s.mu.Lock()
	if s.closed || !s.localTyping {
		s.mu.Unlock()
		return
	}
	s.localTyping = false
	s.typingTimer = nil
	s.mu.Unlock()

	s.emit(&TypingEvent{Room: s.room, UserID: s.localUser, Typing: false})
}

// MarkSeenOnFocus acknowledges every unseen peer message and resets the
// unread counter. Call it when the conversation gains focus.
func (s *Session) MarkSeenOnFocus() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.focused = true
	var acks []Event
	for _, m := range s.messages {
		if m.Sender == SenderThem && !m.Seen {
			m.markSeen()
			acks = append(acks, &SeenEvent{Room: s.room, MessageID: m.ID})
		}
	}
	s.unread = 0
	if len(acks) > 0 {
		s.schedulePersist()
	}
	s.mu.Unlock()

	for _, ack := range acks {
		s.emit(ack)
	}
}

// SetFocused tracks window focus. Gaining focus acknowledges pending
// messages; losing it makes later arrivals count as unread.
func (s *Session) SetFocused(focused bool) {
	if focused {
		s.MarkSeenOnFocus()
		return
	}
	s.mu.Lock()
	s.focused = false
	s.mu.Unlock()
}

// Handle dispatches one transport event into the session. Events are
// applied in arrival order; no causal ordering is enforced across
// distinct messages.
func (s *Session) Handle(ev Event) {
	var acks []Event

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	switch e := ev.(type) {
	case *MessageEvent:
		acks = s.applyIncomingMessage(e)
	case *TypingEvent:
		if e.UserID != s.localUser {
			s.peerTyping = e.Typing
		}
	case *StatusEvent:
		if e.UserID != s.localUser {
			s.peerOnline = e.Online
		}
	case *SeenEvent:
		if m := s.find(e.MessageID); m != nil {
			m.markSeen()
			s.schedulePersist()
		}
	case *DeliveredEvent:
		if m := s.find(e.MessageID); m != nil {
			m.markDelivered()
			s.schedulePersist()
		}
	case *ReactionEvent:
		if m := s.find(e.MessageID); m != nil {
			m.toggleReaction(e.Emoji, e.UserID)
			s.schedulePersist()
		}
	case *EditEvent:
		if m := s.find(e.MessageID); m != nil {
			m.Text = sanitize.Text(e.Text)
			m.Edited = true
			s.schedulePersist()
		}
	case *DeleteEvent:
		if s.removeLocked(e.MessageID) {
			s.schedulePersist()
		}
	}
	s.mu.Unlock()

	for _, ack := range acks {
		s.emit(ack)
	}
}

// applyIncomingMessage appends a peer message, deduplicating by id so
// retransmission is safe. Caller holds the lock; returned acks are
// emitted after it is released.
func (s *Session) applyIncomingMessage(e *MessageEvent) []Event {
	if e.ID == "" || s.find(e.ID) != nil {
		return nil
	}

	sender := SenderThem
	switch e.Sender {
	case s.localUser:
		sender = SenderMe
	case string(SenderSystem):
		sender = SenderSystem
	}

	replyTo := e.ReplyTo
	if replyTo != "" && s.find(replyTo) == nil {
		// Dangling reference; the UI renders an attachment fallback.
		replyTo = ""
	}

	msg := &Message{
		ID:        e.ID,
		Type:      e.MsgType,
		Sender:    sender,
		Text:      sanitize.Text(e.Text),
		MediaURL:  sanitize.MediaURL(e.MediaURL),
		Duration:  e.Duration,
		Timestamp: e.Timestamp,
		ReplyTo:   replyTo,
	}
	if msg.Timestamp == "" {
		msg.Timestamp = s.displayTime()
	}
	msg.markDelivered()

	var acks []Event
	if sender == SenderThem {
		if s.focused {
			msg.markSeen()
			acks = append(acks, &SeenEvent{Room: s.room, MessageID: msg.ID})
		} else {
			s.unread++
		}
	}

	s.messages = append(s.messages, msg)
	s.schedulePersist()
	return acks
}

// Close emits the leave event, detaches the room handler and flushes the
// cache. Skipping the detach causes duplicate handling on the next open,
// so Close is mandatory.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	if s.persistTimer != nil {
		s.persistTimer.Stop()
		s.persistTimer = nil
	}
	s.persistLocked()
	s.mu.Unlock()

	if s.transport != nil {
		s.transport.Off(s.room, s.localUser)
		if err := s.transport.Leave(s.room, s.localUser); err != nil {
			log.Printf("chat: leave %s failed: %v", s.room, err)
		}
	}
}

func (s *Session) find(messageID string) *Message {
	for _, m := range s.messages {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

func (s *Session) emit(ev Event) {
	if s.transport == nil {
		return
	}
	if err := s.transport.Emit(ev); err != nil {
		log.Printf("chat: emit failed for room %s: %v", s.room, err)
	}
}

// schedulePersist debounces cache writes: every mutation cancels and
// reschedules the pending write. Caller holds the lock.
func (s *Session) schedulePersist() {
	if s.persistDelay < 0 {
		s.persistLocked()
		return
	}
	if s.persistTimer != nil {
		s.persistTimer.Stop()
	}
	s.persistTimer = time.AfterFunc(s.persistDelay, s.persist)
}

func (s *Session) persist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.persistLocked()
}

// persistLocked writes the most recent CacheLimit messages. Storage
// failures are logged and swallowed; memory stays authoritative.
func (s *Session) persistLocked() {
	msgs := s.messages
	if len(msgs) > CacheLimit {
		msgs = msgs[len(msgs)-CacheLimit:]
	}
	data, err := json.Marshal(snapshot{Messages: msgs, PinnedMessageID: s.pinnedMessageID})
	if err != nil {
		log.Printf("chat: marshal cache for room %s failed: %v", s.room, err)
		return
	}
	if err := s.store.Set(s.cacheKey(), string(data)); err != nil {
		log.Printf("chat: persist room %s failed: %v", s.room, err)
	}
}

// Flush writes the cache immediately. Intended for tests and shutdown
// paths that cannot wait out the debounce.
func (s *Session) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistTimer != nil {
		s.persistTimer.Stop()
		s.persistTimer = nil
	}
	s.persistLocked()
}

// Messages returns a copy of the conversation log in append order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
		if m.Reactions != nil {
			reactions := make(map[string][]string, len(m.Reactions))
			for emoji, users := range m.Reactions {
				reactions[emoji] = append([]string(nil), users...)
			}
			out[i].Reactions = reactions
		}
	}
	return out
}

// Unread reports messages received while the session was unfocused.
func (s *Session) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// PinnedMessageID returns the pinned message id, or "" when nothing is
// pinned.
func (s *Session) PinnedMessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinnedMessageID
}

// PeerTyping reports whether the peer is currently typing.
func (s *Session) PeerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerTyping
}

// PeerOnline reports the peer's last known presence.
func (s *Session) PeerOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerOnline
}

// LocalTyping reports whether the local typing signal is active.
func (s *Session) LocalTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localTyping
}
