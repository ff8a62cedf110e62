package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// WebPush sends browser push notifications signed with VAPID keys.
type WebPush struct {
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string // contact claim, e.g. "mailto:support@getreaper.com"
	client          *http.Client
	logger          *slog.Logger
}

// NewWebPush constructs a web-push provider. Sends are fire-and-forget:
// the timeout only bounds handing the message to the push service, never a
// wait for end-device delivery.
func NewWebPush(vapidPublicKey, vapidPrivateKey, subscriber string, logger *slog.Logger) *WebPush {
	return &WebPush{
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subscriber:      subscriber,
		client:          &http.Client{Timeout: 10 * time.Second},
		logger:          logger,
	}
}

// Send pushes one alert to one endpoint.
func (w *WebPush) Send(ctx context.Context, sub Subscription, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, s, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.subscriber,
		VAPIDPublicKey:  w.vapidPublicKey,
		VAPIDPrivateKey: w.vapidPrivateKey,
		TTL:             300,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("webpush send: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("endpoint %s: %w", redact(sub.Endpoint), ErrSubscriptionGone)
	case resp.StatusCode >= 400:
		return fmt.Errorf("webpush send: status %d", resp.StatusCode)
	}

	w.logger.Debug("Push delivered", "status", resp.StatusCode, "tag", msg.Tag)
	return nil
}

// redact trims a push endpoint to its origin so device tokens stay out of
// logs and error chains.
func redact(endpoint string) string {
	const max = 40
	if len(endpoint) > max {
		return endpoint[:max] + "…"
	}
	return endpoint
}
