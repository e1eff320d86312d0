// Command orchestrator runs the page-process half of cachesync: the
// Local Artifact Store, the Search Orchestrator's LAS -> SCG -> LLM
// cascade, and the Worker Lifecycle & Handshake client that tracks the
// worker process's readiness.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/searchmesh/cachesync/internal/config"
	"github.com/searchmesh/cachesync/internal/lifecycle"
	"github.com/searchmesh/cachesync/internal/llm"
	"github.com/searchmesh/cachesync/internal/orchestrator"
	"github.com/searchmesh/cachesync/internal/similarity"
	"github.com/searchmesh/cachesync/internal/similarity/remote"
	"github.com/searchmesh/cachesync/internal/store"
	"github.com/searchmesh/cachesync/internal/store/graphdiag"
	"github.com/searchmesh/cachesync/internal/store/sqlite"
	"github.com/searchmesh/cachesync/internal/synccore"
	"github.com/searchmesh/cachesync/internal/telemetry"
	"github.com/searchmesh/cachesync/pkg/models"
)

var Version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Str("version", Version).Msg("starting cachesync orchestrator")

	if err := config.EnsureDataDir(); err != nil {
		log.Fatal().Err(err).Msg("ensure data dir")
	}
	cfg := config.Get()

	fingerprint := loadOrCreateFingerprint()

	las, err := sqlite.NewStore(sqlite.Config{Path: filepath.Join(cfg.DataDir, "las.db")})
	if err != nil {
		log.Fatal().Err(err).Msg("open local artifact store")
	}
	defer las.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go las.RunJanitor(ctx)

	metrics, err := telemetry.New()
	if err != nil {
		log.Warn().Err(err).Msg("telemetry disabled")
		metrics = nil
	}

	submitter := synccore.NewSubmitter(workerBaseURL(cfg), cfg.CacheWebhookURL)

	lc := lifecycle.New(func(ev lifecycle.Event) {
		sub, ok := ev.Payload.(models.SyncSubmission)
		if !ok {
			return
		}
		submitter.Submit(sub)
	}, lifecycle.NewHTTPPinger(workerBaseURL(cfg)))

	o := &orchestrator.Orchestrator{
		Store:       las,
		LLM:         llm.NewClient(cfg.LLMEndpoint, cfg.LLMAPIKey),
		Fingerprint: fingerprint,
		Metrics:     metrics,
		Lifecycle:   lc,
	}

	if cfg.SimilarityDSN != "" {
		db, err := gorm.Open(postgres.Open(cfg.SimilarityDSN), &gorm.Config{})
		if err != nil {
			log.Warn().Err(err).Msg("similarity store unavailable, SCG disabled for this run")
		} else {
			remoteClient, err := remote.NewClient(remote.Config{DB: db})
			if err != nil {
				log.Warn().Err(err).Msg("similarity client init failed, SCG disabled for this run")
			} else {
				gateway := similarity.NewGateway(remoteClient, remoteClient)
				gateway.Metrics = metrics
				o.Similarity = gateway
			}
		}
	}

	go func() {
		if err := lc.WatchWorker(ctx, workerGRPCTarget(cfg), "cachesync.worker"); err != nil {
			log.Warn().Err(err).Msg("lifecycle: worker handshake watch ended")
		}
	}()

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Use(chimw.Timeout(65 * time.Second))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Post("/api/search", searchHandler(o))
	router.Get("/api/diagnostics/entries", diagnosticsHandler(las))

	server := &http.Server{
		Addr:              addr(cfg.OrchestratorPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.OrchestratorPort).Msg("orchestrator: listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("orchestrator: http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("received shutdown signal")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	_ = lc.Close()
}

type searchRequest struct {
	Query    string `json:"query"`
	ParentID string `json:"parentId"`
}

func searchHandler(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		if req.Query == "" {
			http.Error(w, "query is required", http.StatusBadRequest)
			return
		}

		result := o.Handle(r.Context(), req.Query, req.ParentID)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			log.Error().Err(err).Msg("orchestrator: response encode failed")
		}
	}
}

// diagnosticsHandler serves the LAS thread graph as a flat edge-list
// for /api/diagnostics/entries, the read-only visualization surface
// internal/store/graphdiag builds without backing the GetThread path.
func diagnosticsHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := graphdiag.Export(r.Context(), s)
		if err != nil {
			log.Error().Err(err).Msg("diagnostics: export failed")
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			log.Error().Err(err).Msg("diagnostics: response encode failed")
		}
	}
}

func loadOrCreateFingerprint() models.FingerprintId {
	path := filepath.Join(config.DataDir(), "fingerprint")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return models.FingerprintId(data)
	}

	fp := models.NewFingerprintId()
	if err := os.WriteFile(path, []byte(fp.String()), 0600); err != nil {
		log.Warn().Err(err).Msg("could not persist fingerprint, will regenerate next run")
	}
	return fp
}

func workerBaseURL(cfg *config.Config) string {
	return "http://127.0.0.1" + addr(cfg.WorkerPort)
}

func workerGRPCTarget(cfg *config.Config) string {
	return "127.0.0.1" + addr(cfg.WorkerPort)
}

func addr(port int) string {
	return fmt.Sprintf(":%d", port)
}
