// Package lifecycle implements the page-process half of the Worker
// Lifecycle & Handshake: tracking the worker's state machine, buffering
// sends issued before the worker is ready, and watching the worker
// binary on disk to detect an upgrade.
package lifecycle

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/searchmesh/cachesync/internal/watcher"
)

// State mirrors the service-worker lifecycle spec.md §4.3 describes.
type State string

const (
	StateRegistered  State = "Registered"
	StateInstalling  State = "Installing"
	StateWaiting     State = "Installed(Waiting)"
	StateActivating  State = "Activating"
	StateControlling State = "Activated(Controlling)"
	StateRedundant   State = "Redundant"
)

// Event is a message queued for delivery to the worker once it is
// ready; sends issued before then are buffered rather than dropped,
// mirroring the page's pre-ready postMessage queue.
type Event struct {
	Type    string
	Payload any
}

// Pinger performs one PING/PONG round trip against the worker and
// reports whether a PONG was observed within ctx's deadline. Reaching
// Activated(Controlling) only means the worker's gRPC health surface
// answered SERVING; it says nothing about the HTTP surface a PING
// actually exercises, so readiness is gated on this round trip rather
// than on the state transition alone.
type Pinger func(ctx context.Context, ts int64) bool

// Lifecycle tracks worker state for one page process and exposes a
// ready gate: Send before a PONG has been observed buffers the event,
// and the buffer drains in order the moment the gate opens.
type Lifecycle struct {
	mu        sync.Mutex
	state     State
	buffer    []Event
	isReady   bool
	readyCh   chan struct{}
	onSend    func(Event)
	pinger    Pinger

	binaryWatcher *watcher.Watcher
}

// New creates a Lifecycle in the Registered state. pinger may be nil,
// in which case Ping is a no-op and the ready gate never opens (used
// by tests that don't exercise the handshake).
func New(onSend func(Event), pinger Pinger) *Lifecycle {
	return &Lifecycle{
		state:   StateRegistered,
		readyCh: make(chan struct{}),
		onSend:  onSend,
		pinger:  pinger,
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// transition moves to state. Reaching Activated(Controlling) does not
// by itself open the ready gate: that happens only once Ping observes
// a PONG. Redundant closes whatever gate was open and starts a fresh
// one, so a worker upgrade re-runs the handshake from scratch.
func (l *Lifecycle) transition(state State) {
	l.mu.Lock()
	l.state = state
	if state == StateRedundant {
		l.isReady = false
		l.readyCh = make(chan struct{})
	}
	l.mu.Unlock()

	log.Debug().Str("state", string(state)).Msg("lifecycle: worker state transition")
}

// markReady opens the ready gate exactly once and flushes any buffered
// sends in order.
func (l *Lifecycle) markReady() {
	l.mu.Lock()
	if l.isReady {
		l.mu.Unlock()
		return
	}
	l.isReady = true
	toFlush := l.buffer
	l.buffer = nil
	close(l.readyCh)
	l.mu.Unlock()

	log.Debug().Msg("lifecycle: handshake complete, ready gate open")
	for _, ev := range toFlush {
		l.onSend(ev)
	}
}

// Send delivers ev immediately if the ready gate is open, or buffers
// it for delivery once a PONG is observed.
func (l *Lifecycle) Send(ev Event) {
	l.mu.Lock()
	if !l.isReady {
		l.buffer = append(l.buffer, ev)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.onSend(ev)
}

// WaitReady blocks until a PONG has been observed or ctx is cancelled.
func (l *Lifecycle) WaitReady(ctx context.Context) error {
	l.mu.Lock()
	ready := l.readyCh
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WatchWorker connects to the worker's gRPC health surface and drives
// lifecycle transitions from its SERVING/NOT_SERVING stream, the Go
// analogue of a page listening for a service worker's statechange
// events. Every time the worker reports SERVING, Ping probes the HTTP
// surface for a PONG before the ready gate opens.
func (l *Lifecycle) WatchWorker(ctx context.Context, target, service string) error {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)

	l.transition(StateInstalling)
	stream, err := client.Watch(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return err
	}
	l.transition(StateWaiting)

	for {
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		switch resp.Status {
		case grpc_health_v1.HealthCheckResponse_SERVING:
			l.transition(StateActivating)
			l.transition(StateControlling)
			l.Ping(ctx)
		case grpc_health_v1.HealthCheckResponse_NOT_SERVING:
			l.transition(StateRedundant)
		}
	}
}

// WatchBinary watches the worker binary at path and calls onUpgrade
// when it is rewritten, so the page can re-establish the WLH
// handshake against the new worker process.
func (l *Lifecycle) WatchBinary(path string, onUpgrade func()) error {
	w, err := watcher.New(path, onUpgrade)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	l.binaryWatcher = w
	return nil
}

// Close stops the binary watcher, if one was started.
func (l *Lifecycle) Close() error {
	if l.binaryWatcher != nil {
		return l.binaryWatcher.Stop()
	}
	return nil
}

// Ping performs one bounded PING/PONG round trip via pinger and opens
// the ready gate only if a PONG comes back. A missed PONG leaves the
// gate closed; the next SERVING transition (or this same one, watched
// externally) gets another chance.
func (l *Lifecycle) Ping(ctx context.Context) {
	if l.pinger == nil {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ts := time.Now().UnixMilli()
	if l.pinger(pingCtx, ts) {
		l.markReady()
		return
	}
	log.Warn().Msg("lifecycle: ping got no pong, ready gate stays closed")
}

// pingRequest/pongResponse are the PING/PONG wire shapes the worker's
// /internal/ping handler answers.
type pingRequest struct {
	Ts int64 `json:"ts"`
}

type pongResponse struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// NewHTTPPinger builds a Pinger that POSTs a PING to workerBaseURL's
// handshake endpoint and accepts only a well-formed PONG echoing the
// same timestamp as success.
func NewHTTPPinger(workerBaseURL string) Pinger {
	client := &http.Client{Timeout: 5 * time.Second}

	return func(ctx context.Context, ts int64) bool {
		body, err := json.Marshal(pingRequest{Ts: ts})
		if err != nil {
			return false
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, workerBaseURL+"/internal/ping", bytes.NewReader(body))
		if err != nil {
			return false
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return false
		}

		var pong pongResponse
		if err := json.NewDecoder(resp.Body).Decode(&pong); err != nil {
			return false
		}
		return pong.Type == "PONG" && pong.Ts == ts
	}
}
