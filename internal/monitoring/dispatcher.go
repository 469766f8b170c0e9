package monitoring

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetlens/fleetlens-be/internal/models"
)

// WebhookDispatcher delivers alert firings to per-rule webhook URLs. Sends
// are queued so alert evaluation never blocks on a slow endpoint; a full
// queue drops the delivery (the firing is already recorded in history).
type WebhookDispatcher struct {
	client *http.Client
	queue  chan models.AlertFiring
	done   chan bool
}

// NewWebhookDispatcher creates a dispatcher with a bounded delivery queue.
func NewWebhookDispatcher() *WebhookDispatcher {
	return &WebhookDispatcher{
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan models.AlertFiring, 256),
		done:   make(chan bool),
	}
}

// Dispatch enqueues a firing for delivery. Non-blocking.
func (d *WebhookDispatcher) Dispatch(firing models.AlertFiring) {
	select {
	case d.queue <- firing:
	default:
		log.Warn().Str("ruleId", firing.RuleID).Msg("Webhook queue full, dropping delivery")
	}
}

// Run consumes the delivery queue.
func (d *WebhookDispatcher) Run() {
	log.Info().Msg("Starting webhook dispatcher...")
	for {
		select {
		case <-d.done:
			log.Info().Msg("Stopping webhook dispatcher.")
			return
		case firing := <-d.queue:
			d.deliver(firing)
		}
	}
}

// Stop halts the dispatcher. Queued deliveries are abandoned.
func (d *WebhookDispatcher) Stop() {
	d.done <- true
}

// deliver POSTs the firing, retrying twice with backoff on failure.
func (d *WebhookDispatcher) deliver(firing models.AlertFiring) {
	body, err := json.Marshal(firing)
	if err != nil {
		log.Error().Err(err).Str("ruleId", firing.RuleID).Msg("Failed to marshal alert firing")
		return
	}

	backoff := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		resp, err := d.client.Post(firing.WebhookURL, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Warn().Err(err).Str("ruleId", firing.RuleID).Int("attempt", attempt+1).Msg("Webhook delivery failed")
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return
		}
		log.Warn().Int("status", resp.StatusCode).Str("ruleId", firing.RuleID).Int("attempt", attempt+1).Msg("Webhook returned non-2xx")
	}
	log.Error().Str("ruleId", firing.RuleID).Str("url", firing.WebhookURL).Msg("Webhook delivery gave up")
}
