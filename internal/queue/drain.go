package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/searchmesh/cachesync/pkg/models"
)

// Deliver attempts to ship one submission to the remote webhook. A
// non-nil error means retry-at-head: the submission stays queued for
// the next drain cycle.
type Deliver func(ctx context.Context, sub models.SyncSubmission) error

// OnOutcome reports a delivery outcome for SSE broadcast back to the
// page (SYNC_RECEIVED / SYNC_SUCCESS).
type OnOutcome func(sub models.SyncSubmission, outcome models.SyncOutcome)

// Drain processes the queue head-first until it's empty, a delivery
// fails, or ctx is cancelled. A submission whose Retention has elapsed
// is dropped without being delivered.
//
// Delivery failure stops the drain at that submission (retry-at-head):
// at-least-once delivery means the same submission is retried whole on
// the next drain cycle, never partially. The two failure modes of
// spec.md §7 are handled differently: a transient failure (network
// error or 5xx) leaves the submission untouched for an unbounded
// number of retries, while a permanent rejection (4xx, wrapped in
// ErrPermanentRejection) increments Attempts and is dropped once it
// has been refused MaxPermanentAttempts times.
func Drain(ctx context.Context, q *Queue, deliver Deliver, onOutcome OnOutcome) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sub, ok, err := q.Peek()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if Expired(sub, time.Now()) {
			log.Warn().Err(expiredErr(sub.ID)).Msg("queue: dropping expired submission")
			if err := q.Pop(); err != nil {
				return err
			}
			continue
		}

		if onOutcome != nil {
			onOutcome(sub, models.SyncOutcomeReceived)
		}

		if err := deliver(ctx, sub); err != nil {
			if errors.Is(err, ErrPermanentRejection) {
				sub.Attempts++
				if sub.Attempts >= MaxPermanentAttempts {
					log.Warn().Err(err).Str("submissionId", sub.ID).Msg("queue: dropping after repeated refusal")
					if err := q.Pop(); err != nil {
						return err
					}
					continue
				}
				log.Warn().Err(err).Str("submissionId", sub.ID).Msg("queue: remote refused, retrying once")
				if err := q.updateHead(sub); err != nil {
					return err
				}
				return nil
			}

			log.Warn().Err(err).Str("submissionId", sub.ID).Msg("queue: delivery failed, retry at head")
			return nil
		}

		if err := q.Pop(); err != nil {
			return err
		}
		if onOutcome != nil {
			onOutcome(sub, models.SyncOutcomeSuccess)
		}
	}
}
