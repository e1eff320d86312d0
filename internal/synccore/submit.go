package synccore

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/searchmesh/cachesync/pkg/models"
)

// SyncPath is the magic local path the worker process intercepts,
// equivalent to the browser extension's `/api/sync` route.
const SyncPath = "/api/sync"

// Submitter posts a SyncSubmission to the worker's magic path without
// blocking the caller on the outcome, mirroring the page's fire-and-
// forget handoff to the service worker. The worker itself holds no
// long-lived webhook config: WebhookURL travels in the submission body
// so the worker's delivery behavior is fully parameterized per message.
type Submitter struct {
	WorkerBaseURL string
	WebhookURL    string
	Client        *http.Client
}

// NewSubmitter builds a Submitter with a bounded-timeout HTTP client,
// grounded on the teacher's plain http.Client use for internal calls.
// webhookURL is stamped onto any submission that doesn't already carry
// one.
func NewSubmitter(workerBaseURL, webhookURL string) *Submitter {
	return &Submitter{
		WorkerBaseURL: workerBaseURL,
		WebhookURL:    webhookURL,
		Client:        &http.Client{Timeout: 5 * time.Second},
	}
}

// Submit fires the POST in its own goroutine and returns immediately.
// Errors are logged, never returned, since the orchestrator must not
// let a sync failure affect the search result it already produced.
func (s *Submitter) Submit(sub models.SyncSubmission) {
	if sub.WebhookURL == "" {
		sub.WebhookURL = s.WebhookURL
	}
	go func() {
		if err := s.submit(context.Background(), sub); err != nil {
			log.Warn().Err(err).Str("submissionId", sub.ID).Msg("synccore: sync handoff failed")
		}
	}()
}

func (s *Submitter) submit(ctx context.Context, sub models.SyncSubmission) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WorkerBaseURL+SyncPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(models.FingerprintHeader, sub.FingerprintID)

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post sync: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrWebhookRejected, resp.StatusCode)
	}
	return nil
}
