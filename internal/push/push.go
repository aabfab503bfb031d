package push

import (
	"encoding/json"
	"log"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/4xmen/shabakeh/internal/db"
)

// Notifier sends Web Push notifications to subscribed users. It
// satisfies the hub's Notifier interface for offline chat peers.
type Notifier struct {
	db              *db.DB
	vapidPublicKey  string
	vapidPrivateKey string
}

// NewNotifier creates a push Notifier. Returns nil if VAPID keys are empty.
func NewNotifier(database *db.DB, vapidPublicKey, vapidPrivateKey string) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	return &Notifier{
		db:              database,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
	}
}

// VAPIDPublicKey returns the public VAPID key for the frontend.
func (n *Notifier) VAPIDPublicKey() string {
	return n.vapidPublicKey
}

// payload is the JSON structure sent inside the push notification.
type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// NotifyNewMessage pushes a new-message notification to every
// subscription the receiver has registered.
func (n *Notifier) NotifyNewMessage(receiver, sender string) {
	if n == nil {
		return
	}

	subs, err := n.db.PushSubscriptionsForUser(receiver)
	if err != nil {
		log.Printf("push: failed to query subscriptions for user %s: %v", receiver, err)
		return
	}
	if len(subs) == 0 {
		return
	}

	p := payload{
		Title: "پیام جدید",
		Body:  "پیام جدید از " + sender,
		URL:   "/messages",
	}
	data, _ := json.Marshal(p)

	log.Printf("push: sending notification to %d subscription(s) for user %s", len(subs), receiver)
	for _, sub := range subs {
		go n.sendToSubscription(sub, data)
	}
}

func (n *Notifier) sendToSubscription(sub db.PushSubscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}

	resp, err := webpush.SendNotification(data, s, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      "mailto:push@shabakeh.local",
		TTL:             86400,
	})
	if err != nil {
		log.Printf("push: failed to send to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// 410 Gone or 404 means the subscription is expired
	if resp.StatusCode == 410 || resp.StatusCode == 404 {
		n.db.DeletePushSubscription(sub.Endpoint)
		log.Printf("push: removed expired subscription %s (status %d)", sub.Endpoint, resp.StatusCode)
	}
}
