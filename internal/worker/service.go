// Package worker implements the worker-process HTTP surface: the
// Background Sync Engine's ingress/replay endpoints and the Worker
// Lifecycle & Handshake surface the page process talks to.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/goccy/go-json"
	"github.com/searchmesh/cachesync/internal/config"
	"github.com/searchmesh/cachesync/internal/queue"
	"github.com/searchmesh/cachesync/internal/telemetry"
	"github.com/searchmesh/cachesync/internal/worker/health"
	"github.com/searchmesh/cachesync/internal/worker/sse"
	"github.com/searchmesh/cachesync/internal/worker/webhook"
	"github.com/searchmesh/cachesync/pkg/models"
)

// DefaultHTTPTimeout bounds handler execution for the worker's HTTP surface.
const DefaultHTTPTimeout = 30 * time.Second

// HealthServiceName is the gRPC health service name the page process
// watches for the Activated(Controlling)/Redundant transition.
const HealthServiceName = "cachesync.worker"

// ReplayCooldownSecs bounds how often /internal/replay may fire a drain.
const ReplayCooldownSecs = 5

// ImmediateDeliveryTimeout bounds handleSync's synchronous delivery
// attempt before it falls back to the durable queue.
const ImmediateDeliveryTimeout = 5 * time.Second

// Service is the worker-process orchestrator: it owns the durable
// sync queue, drains it against the remote cache webhook, and serves
// both the page's /api/sync ingress and the WLH handshake surface.
type Service struct {
	version     string
	cfg         *config.Config
	fingerprint models.FingerprintId

	queue         *queue.Queue
	sse           *sse.Broadcaster
	health        *health.Server
	replayLimiter *ReplayLimiter
	webhookClient *http.Client
	metrics       *telemetry.Metrics // may be nil: metrics are optional

	router *chi.Mux
	server *http.Server

	syncLimiter *PerClientRateLimiter

	startTime time.Time
	ready     atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds a worker Service over an already-configured redigo
// pool. The HTTP/gRPC listener is not started until Start is called.
func NewService(version string, cfg *config.Config, pool queue.Pool, fingerprint models.FingerprintId) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		version:       version,
		cfg:           cfg,
		fingerprint:   fingerprint,
		queue:         queue.NewQueue(pool),
		sse:           sse.NewBroadcaster(),
		health:        health.NewServer(),
		replayLimiter: NewReplayLimiter(ReplayCooldownSecs),
		syncLimiter:   NewPerClientRateLimiter(5, 20),
		webhookClient: &http.Client{Timeout: 10 * time.Second},
		router:        chi.NewRouter(),
		startTime:     time.Now(),
		ctx:           ctx,
		cancel:        cancel,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Service) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(DefaultHTTPTimeout))
	s.router.Use(RequestID)
	s.router.Use(SecurityHeaders)
	s.router.Use(MaxBodySize(1 << 20))
}

func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/version", s.handleVersion)
	s.router.Get("/api/ready", s.handleReady)
	s.router.Get("/api/events", s.sse.HandleSSE)

	s.router.With(RequireJSONContentType, PerClientRateLimitMiddleware(s.syncLimiter)).Post("/api/sync", s.handleSync)
	s.router.With(RequireJSONContentType, PerClientRateLimitMiddleware(s.syncLimiter)).Post("/api/cache-new-entry", s.handleCacheNewEntry)
	s.router.Post("/internal/replay", s.handleReplay)
	s.router.With(RequireJSONContentType).Post("/internal/ping", s.handlePing)
}

// RestartEnvVar, when set to "1", tells Start that a prior worker
// process may still be holding the port while it drains, and the bind
// should retry rather than fail immediately. A deploy that replaces
// the worker binary and launches the new process sets this before the
// old one's Shutdown has necessarily completed, realizing the
// "force-skip-waiting" stale-worker policy without a literal
// SO_REUSEPORT bind.
const RestartEnvVar = "CACHESYNC_WORKER_RESTART"

// listenRetryInterval is the pause between bind attempts while waiting
// for the old worker to release the port.
const listenRetryInterval = 500 * time.Millisecond

// listenMaxRetries bounds how long Start waits for the old worker to
// release the port during a restart before giving up.
const listenMaxRetries = 10

// Start binds a single TCP listener for the configured worker port and
// multiplexes it via cmux between gRPC (the health-check handshake
// surface) and plain HTTP (ingress, replay, SSE), mirroring the
// service worker's single-origin exposure of both a fetch handler and
// a message-passing handshake.
func (s *Service) Start() error {
	lis, err := listenWithRetry(s.cfg.WorkerPort)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	m := cmux.New(lis)
	grpcL := m.MatchWithWriters(cmux.HTTP2MatchHeaderFieldPrefixSendSettings("content-type", "application/grpc"))
	httpL := m.Match(cmux.Any())

	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, s.health)

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := grpcServer.Serve(grpcL); err != nil {
			log.Debug().Err(err).Msg("worker: grpc listener closed")
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(httpL); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("worker: http listener closed")
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := m.Serve(); err != nil {
			log.Debug().Err(err).Msg("worker: cmux closed")
		}
	}()

	// Installing -> Installed(Waiting) -> Activating happen implicitly
	// at process start; this process claims clients the moment its
	// listener is bound, whether or not an old worker's listener is
	// still draining in the meantime.
	s.health.SetServing(HealthServiceName)
	s.ready.Store(true)

	s.wg.Add(1)
	go s.replayLoop()

	log.Info().Int("port", s.cfg.WorkerPort).Bool("restart", os.Getenv(RestartEnvVar) == "1").Msg("worker: listening (http+grpc multiplexed)")
	return nil
}

// listenWithRetry binds the worker's port. Outside a restart it binds
// once and fails fast. Under RestartEnvVar it retries for a few
// seconds, since the old worker process this one is replacing may
// still hold the port while its own Shutdown drains in-flight
// requests; spec.md §4.3 requires the new worker take over without
// waiting on the old one, so the new process binds as soon as the OS
// releases the port rather than coordinating a handoff with it.
func listenWithRetry(port int) (net.Listener, error) {
	addr := fmt.Sprintf(":%d", port)
	if os.Getenv(RestartEnvVar) != "1" {
		return net.Listen("tcp", addr)
	}

	var lastErr error
	for i := 0; i < listenMaxRetries; i++ {
		lis, err := net.Listen("tcp", addr)
		if err == nil {
			return lis, nil
		}
		lastErr = err
		if i < listenMaxRetries-1 {
			log.Warn().Err(err).Int("retry", i+1).Msg("worker: port held by draining worker, retrying")
			time.Sleep(listenRetryInterval)
		}
	}
	return nil, lastErr
}

// Shutdown marks the service Redundant and stops the replay loop and
// listeners.
func (s *Service) Shutdown(ctx context.Context) error {
	s.health.SetNotServing(HealthServiceName)
	s.cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	s.wg.Wait()
	return nil
}

func (s *Service) replayLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.drainOnce(s.ctx)
		}
	}
}

// SetMetrics wires optional otel-backed instrumentation into the
// replay loop.
func (s *Service) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

func (s *Service) drainOnce(ctx context.Context) {
	onOutcome := func(sub models.SyncSubmission, outcome models.SyncOutcome) {
		s.sse.OnOutcome(sub, outcome)
		if s.metrics != nil && outcome == models.SyncOutcomeSuccess {
			s.metrics.RecordSyncOutcome(ctx, true)
		}
	}
	if err := queue.Drain(ctx, s.queue, s.deliver, onOutcome); err != nil {
		log.Warn().Err(err).Msg("worker: drain cycle ended with error")
	}
}

// deliver POSTs sub's result to the webhook URL carried in the
// submission itself, signed with an HMAC derived per fingerprint so
// the receiver can verify where a delivery came from. The worker holds
// no long-lived webhook config of its own: every delivery is fully
// parameterized by the message that triggered it.
//
// A 4xx response wraps queue.ErrPermanentRejection so Drain can apply
// the "retry once, then drop" refusal policy instead of retrying
// indefinitely; network errors and 5xx are left unwrapped and treated
// as transient.
func (s *Service) deliver(ctx context.Context, sub models.SyncSubmission) error {
	if sub.WebhookURL == "" {
		return fmt.Errorf("submission %s carries no webhook url", sub.ID)
	}

	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if s.cfg.CacheWebhookSecret != "" {
		sig, err := webhook.Sign(s.cfg.CacheWebhookSecret, string(s.fingerprint), body)
		if err != nil {
			return fmt.Errorf("sign webhook: %w", err)
		}
		req.Header.Set(webhook.SignatureHeader, sig)
	}

	resp, err := s.webhookClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("webhook rejected: status %d: %w", resp.StatusCode, queue.ErrPermanentRejection)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected: status %d", resp.StatusCode)
	}
	return nil
}

// NewRedisPool builds a redigo pool over cfg.RedisAddr, the queue's backing store.
func NewRedisPool(cfg *config.Config) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", cfg.RedisAddr)
		},
	}
}
