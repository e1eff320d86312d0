package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/searchmesh/cachesync/internal/queue"
	"github.com/searchmesh/cachesync/pkg/models"
)

// healthResponse is returned by /health and /api/health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).String(),
	})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// syncResponse is the 200 body handleSync answers with once a
// submission has been delivered immediately or deferred to the queue.
// A body that cannot be read or decoded is answered with 400 and a
// failed enqueue with 500; neither carries this body.
type syncResponse struct {
	Status string `json:"status"`
}

// handleSync implements the magic `/api/sync` interception the
// worker's service-worker equivalent performs: it first attempts a
// live delivery to the submission's own webhook URL, and only falls
// back to the durable queue if that attempt fails (network error or
// non-2xx). Either path always answers 200 with the documented status
// body; the queue, not the HTTP response, is what carries failure.
func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var sub models.SyncSubmission
	if err := json.Unmarshal(body, &sub); err != nil {
		http.Error(w, "invalid submission", http.StatusBadRequest)
		return
	}
	if sub.EnqueuedAt == 0 {
		sub.EnqueuedAt = time.Now().UnixMilli()
	}

	status, err := s.submitForSync(r.Context(), sub)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Status: status})
}

// cacheNewEntryRequest is the legacy hybrid trigger of spec.md §4.4: the
// page may additionally post newly produced results directly instead
// of (or alongside) the magic-path submission, e.g. right after a
// search completes while the tab is still open.
type cacheNewEntryRequest struct {
	WebhookURL string                `json:"webhookUrl"`
	Results    []models.SearchResult `json:"results"`
}

// handleCacheNewEntry implements the legacy CACHE_NEW_ENTRY trigger.
// Each result is wrapped into its own SyncSubmission and run through
// the same submitForSync path handleSync uses, so both pathways
// converge on the same queue rather than duplicating delivery logic.
func (s *Service) handleCacheNewEntry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req cacheNewEntryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if len(req.Results) == 0 {
		http.Error(w, "no results", http.StatusBadRequest)
		return
	}

	now := time.Now().UnixMilli()
	statuses := make([]string, 0, len(req.Results))
	for _, result := range req.Results {
		sub := models.SyncSubmission{
			ID:            uuid.NewString(),
			FingerprintID: string(s.fingerprint),
			WebhookURL:    req.WebhookURL,
			Query:         result.FollowUpQuery,
			Result:        result,
			EnqueuedAt:    now,
		}
		status, err := s.submitForSync(r.Context(), sub)
		if err != nil {
			log.Error().Err(err).Str("resultId", result.ID).Msg("worker: cache_new_entry enqueue failed")
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		statuses = append(statuses, status)
	}

	writeJSON(w, http.StatusOK, struct {
		Statuses []string `json:"statuses"`
	}{statuses})
}

// submitForSync attempts one immediate delivery and falls back to the
// durable queue on failure, broadcasting the matching SSE outcome
// either way. A 4xx refusal of the immediate attempt counts as the
// submission's first refusal (Attempts); any other failure leaves
// Attempts unchanged. It is the single convergence point for /api/sync and the
// legacy CACHE_NEW_ENTRY trigger, per spec.md §4.4 ("both pathways
// converge on the same queue").
func (s *Service) submitForSync(ctx context.Context, sub models.SyncSubmission) (string, error) {
	deliverCtx, cancel := context.WithTimeout(ctx, ImmediateDeliveryTimeout)
	defer cancel()

	err := s.deliver(deliverCtx, sub)
	if err == nil {
		s.sse.Broadcast(sub.ID, models.SyncOutcomeSuccess)
		return "Sync successful", nil
	}
	if errors.Is(err, queue.ErrPermanentRejection) {
		sub.Attempts++
	}

	if err := s.queue.Enqueue(sub); err != nil {
		log.Error().Err(err).Str("submissionId", sub.ID).Msg("worker: enqueue failed")
		return "", err
	}

	s.sse.Broadcast(sub.ID, models.SyncOutcomeReceived)
	return "Request queued for sync", nil
}

// handleReplay triggers an out-of-band drain cycle, mirroring the
// extension's connectivity-restored replay trigger.
func (s *Service) handleReplay(w http.ResponseWriter, r *http.Request) {
	if !s.replayLimiter.Allow() {
		http.Error(w, "replay cooldown active", http.StatusTooManyRequests)
		return
	}

	go s.drainOnce(context.Background())
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type pingRequest struct {
	Ts int64 `json:"ts"`
}

type pongResponse struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// handlePing answers the page's WLH handshake probe: the PONG echoes
// the PING's timestamp so the page can confirm it reached this worker
// process and not a stale one still draining.
func (s *Service) handlePing(w http.ResponseWriter, r *http.Request) {
	var req pingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid ping", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, pongResponse{Type: "PONG", Ts: req.Ts})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("worker: response encode failed")
	}
}
