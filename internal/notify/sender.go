package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/kazz187/flowguild/internal/config"
)

// NotificationPayload is the JSON body delivered to the service worker.
type NotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// Sender pushes notifications to every registered subscription.
type Sender struct {
	vapid *config.VAPIDEnv
	store Store
}

func NewSender(vapid *config.VAPIDEnv, store Store) *Sender {
	return &Sender{vapid: vapid, store: store}
}

// Configured reports whether VAPID keys are present. Push delivery is a
// no-op without them.
func (s *Sender) Configured() bool {
	return s.vapid.VAPIDPublicKey != "" && s.vapid.VAPIDPrivateKey != ""
}

// SendToAll delivers the payload to all subscriptions. Failures are logged
// per subscription and never abort the loop.
func (s *Sender) SendToAll(ctx context.Context, payload *NotificationPayload) {
	if !s.Configured() {
		slog.Warn("push notification skipped: VAPID keys not configured")
		return
	}

	subs, err := s.store.List(ctx)
	if err != nil {
		slog.Error("failed to list push subscriptions", "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal push payload", "error", err)
		return
	}

	for _, sub := range subs {
		if err := s.sendToSubscription(ctx, sub, data); err != nil {
			slog.Warn("failed to send push notification", "subscription_id", sub.ID, "error", err)
		}
	}
}

func (s *Sender) sendToSubscription(ctx context.Context, sub *Subscription, data []byte) error {
	resp, err := webpush.SendNotification(data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}, &webpush.Options{
		VAPIDPublicKey:  s.vapid.VAPIDPublicKey,
		VAPIDPrivateKey: s.vapid.VAPIDPrivateKey,
		Subscriber:      s.vapid.VAPIDSubscriber,
		TTL:             86400,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		// The push service dropped this subscription, so do the same.
		if derr := s.store.Delete(ctx, sub.ID); derr != nil {
			slog.Warn("failed to delete expired push subscription", "subscription_id", sub.ID, "error", derr)
		} else {
			slog.Info("deleted expired push subscription", "subscription_id", sub.ID)
		}
		return nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("push service returned status %d", resp.StatusCode)
	}
	return nil
}
