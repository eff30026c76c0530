// Package notify delivers room lifecycle events to an external webhook.
// Delivery is strictly best effort: a failing or slow webhook must never
// stall or fail a session operation.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/autonomyowner/LinguaBridge-sub000/internal/observability"
	"github.com/autonomyowner/LinguaBridge-sub000/internal/resilience"
	"github.com/autonomyowner/LinguaBridge-sub000/internal/session"
	"github.com/rs/zerolog"
)

// WebhookNotifier posts room events as JSON to a configured URL. A circuit
// breaker sheds deliveries while the webhook is down so every session
// operation does not pay a full timeout.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewWebhookNotifier creates a notifier posting to url. timeout bounds each
// delivery attempt.
func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker("room-webhook", 5, 30*time.Second),
		logger:  logger,
	}
}

// Publish implements session.EventSink. Delivery runs in its own goroutine
// and failures are logged, never propagated.
func (n *WebhookNotifier) Publish(event session.RoomEvent) {
	go n.deliver(event)
}

func (n *WebhookNotifier) deliver(event session.RoomEvent) {
	err := n.breaker.Call(func() error {
		body, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}

		resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("post event: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return nil
	})

	observability.RecordNotify(err)
	if err != nil {
		n.logger.Warn().Err(err).
			Str("event_type", event.Type).
			Str("room_id", event.RoomID).
			Msg("Room event delivery failed")
	}
}
