// Package queue implements the Background Sync Engine's durable
// outbound queue: an at-least-once FIFO with 24h retention and
// retry-at-head on delivery failure, backed by Redis via redigo.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/goccy/go-json"
	"github.com/searchmesh/cachesync/internal/synccore"
	"github.com/searchmesh/cachesync/pkg/models"
)

// Key is the Redis list backing the queue, named after the original
// extension's IndexedDB/localStorage queue key.
const Key = "webhook-sync-queue"

// Retention is the maximum time a submission may sit in the queue
// before it is dropped rather than redelivered, per spec.md §4.4.
const Retention = 24 * time.Hour

// MaxPermanentAttempts bounds how many times a submission may be
// refused with a 4xx before Drain drops it rather than retrying again,
// per spec.md §7 ("enqueue once; on second refusal log and drop").
const MaxPermanentAttempts = 2

// ErrPermanentRejection marks a delivery failure the remote side is not
// expected to recover from on retry (an HTTP 4xx), as opposed to a
// transient outage. deliver implementations wrap their error with this
// sentinel so Drain can apply the refusal policy instead of retrying
// indefinitely.
var ErrPermanentRejection = errors.New("queue: remote permanently rejected submission")

// Pool is the minimal redigo pool contract the queue depends on,
// satisfied directly by *redis.Pool.
type Pool interface {
	Get() redis.Conn
}

// Queue is the durable FIFO outbound queue.
type Queue struct {
	Pool Pool
}

// NewQueue builds a Queue over an already-configured redigo pool.
func NewQueue(pool Pool) *Queue {
	return &Queue{Pool: pool}
}

// Enqueue appends sub to the tail of the queue (RPUSH), the page's
// fire-and-forget submission landing point.
func (q *Queue) Enqueue(sub models.SyncSubmission) error {
	conn := q.Pool.Get()
	defer conn.Close()

	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	if _, err := conn.Do("RPUSH", Key, body); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	return nil
}

// Peek returns the submission at the head of the queue without
// removing it, or ok=false if the queue is empty.
func (q *Queue) Peek() (models.SyncSubmission, bool, error) {
	conn := q.Pool.Get()
	defer conn.Close()

	raw, err := redis.Bytes(conn.Do("LINDEX", Key, 0))
	if err == redis.ErrNil {
		return models.SyncSubmission{}, false, nil
	}
	if err != nil {
		return models.SyncSubmission{}, false, fmt.Errorf("lindex: %w", err)
	}

	var sub models.SyncSubmission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return models.SyncSubmission{}, false, fmt.Errorf("unmarshal submission: %w", err)
	}
	return sub, true, nil
}

// updateHead rewrites the head of the queue in place (LSET), used to
// persist an incremented Attempts count on retry without disturbing
// FIFO order the way a Pop-then-Enqueue would.
func (q *Queue) updateHead(sub models.SyncSubmission) error {
	conn := q.Pool.Get()
	defer conn.Close()

	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	if _, err := conn.Do("LSET", Key, 0, body); err != nil {
		return fmt.Errorf("lset: %w", err)
	}
	return nil
}

// Pop removes the head of the queue (LPOP), called after a successful
// delivery.
func (q *Queue) Pop() error {
	conn := q.Pool.Get()
	defer conn.Close()

	if _, err := conn.Do("LPOP", Key); err != nil {
		return fmt.Errorf("lpop: %w", err)
	}
	return nil
}

// Len reports the current queue depth.
func (q *Queue) Len() (int, error) {
	conn := q.Pool.Get()
	defer conn.Close()

	n, err := redis.Int(conn.Do("LLEN", Key))
	if err != nil {
		return 0, fmt.Errorf("llen: %w", err)
	}
	return n, nil
}

// Expired reports whether sub has exceeded Retention, per spec.md §4.4.
func Expired(sub models.SyncSubmission, now time.Time) bool {
	enqueuedAt := time.UnixMilli(sub.EnqueuedAt)
	return now.Sub(enqueuedAt) > Retention
}

// expiredErr wraps synccore.ErrQueueExpired with the submission id for
// logging at the drain call site.
func expiredErr(id string) error {
	return fmt.Errorf("submission %s: %w", id, synccore.ErrQueueExpired)
}
