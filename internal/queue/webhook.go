package queue

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const webhookTimeout = 5 * time.Second

// Notifier delivers terminal job states to per-job webhook URLs. Delivery is
// fire-and-forget: failures are logged, never retried.
type Notifier struct {
	client *http.Client
	logger *slog.Logger
}

// NewNotifier creates a Notifier with a short-timeout HTTP client.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger,
	}
}

// Notify posts the job's terminal state in the background.
func (n *Notifier) Notify(job *Job) {
	go n.deliver(job)
}

func (n *Notifier) deliver(job *Job) {
	body, err := json.Marshal(map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"result": job.Result,
		"error":  job.Error,
	})
	if err != nil {
		n.logger.Warn("webhook_marshal_failed", "job_id", job.ID, "error", err)
		return
	}

	resp, err := n.client.Post(job.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook_delivery_failed", "job_id", job.ID, "url", job.WebhookURL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook_delivery_rejected",
			"job_id", job.ID, "url", job.WebhookURL, "status", resp.StatusCode)
	}
}
