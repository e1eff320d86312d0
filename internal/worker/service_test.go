package worker

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"

	"github.com/searchmesh/cachesync/internal/config"
	"github.com/searchmesh/cachesync/internal/queue"
	"github.com/searchmesh/cachesync/pkg/models"
)

type fakeConn struct{ list *[][]byte }

func (f *fakeConn) Close() error { return nil }
func (f *fakeConn) Err() error   { return nil }

func (f *fakeConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	switch cmd {
	case "RPUSH":
		*f.list = append(*f.list, args[1].([]byte))
		return int64(len(*f.list)), nil
	case "LINDEX":
		if len(*f.list) == 0 {
			return nil, nil
		}
		return (*f.list)[0], nil
	case "LPOP":
		if len(*f.list) == 0 {
			return nil, nil
		}
		v := (*f.list)[0]
		*f.list = (*f.list)[1:]
		return v, nil
	case "LLEN":
		return int64(len(*f.list)), nil
	case "LSET":
		idx := args[1].(int)
		if idx < 0 || idx >= len(*f.list) {
			return nil, errors.New("fakeConn: LSET index out of range")
		}
		(*f.list)[idx] = args[2].([]byte)
		return "OK", nil
	default:
		return nil, errors.New("fakeConn: unsupported command " + cmd)
	}
}
func (f *fakeConn) Send(string, ...interface{}) error { return nil }
func (f *fakeConn) Flush() error                      { return nil }
func (f *fakeConn) Receive() (interface{}, error)     { return nil, nil }

type fakePool struct{ list [][]byte }

func (p *fakePool) Get() redis.Conn { return &fakeConn{list: &p.list} }

func newTestService(t *testing.T) *Service {
	cfg := config.Default()
	return NewService("test", cfg, &fakePool{}, models.FingerprintId("fp-1"))
}

func TestHandleHealthReturnsOK(t *testing.T) {
	s := newTestService(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSyncEnqueuesWhenWebhookUnreachable(t *testing.T) {
	s := newTestService(t)
	body := `{"id":"sub-1","fingerprintId":"fp-1","query":"q","enqueuedAt":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Request queued for sync")

	n, err := s.queue.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestHandleSyncDeliversImmediatelyWhenWebhookReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestService(t)
	body := fmt.Sprintf(`{"id":"sub-2","fingerprintId":"fp-1","webhookUrl":%q,"query":"q","enqueuedAt":%d}`, srv.URL, time.Now().UnixMilli())
	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Sync successful")

	n, err := s.queue.Len()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestHandleCacheNewEntryConvergesOnSameQueueAsSync(t *testing.T) {
	s := newTestService(t)
	body := `{"webhookUrl":"","results":[{"id":"r1","title":"t"},{"id":"r2","title":"t2"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/cache-new-entry", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	n, err := s.queue.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n) // empty webhookUrl fails immediate delivery, both fall through to the queue

	head, ok, err := s.queue.Peek()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r1", head.Result.ID)
}

func TestHandleCacheNewEntryRejectsEmptyResults(t *testing.T) {
	s := newTestService(t)
	req := httptest.NewRequest(http.MethodPost, "/api/cache-new-entry", strings.NewReader(`{"results":[]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSyncRejectsBadJSON(t *testing.T) {
	s := newTestService(t)
	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReplayRespectsCooldown(t *testing.T) {
	s := newTestService(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/replay", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec2 := httptest.NewRecorder()
	s.router.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestDeliverSignsWhenSecretConfigured(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.CacheWebhookSecret = "shh"
	s := NewService("test", cfg, &fakePool{}, models.FingerprintId("fp-1"))

	err := s.deliver(t.Context(), models.SyncSubmission{ID: "s1", WebhookURL: srv.URL, EnqueuedAt: time.Now().UnixMilli()})
	require.NoError(t, err)
	require.NotEmpty(t, gotSig)
}

func TestDeliverWrapsPermanentRejectionOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := newTestService(t)
	err := s.deliver(t.Context(), models.SyncSubmission{ID: "s1", WebhookURL: srv.URL, EnqueuedAt: time.Now().UnixMilli()})
	require.Error(t, err)
	require.ErrorIs(t, err, queue.ErrPermanentRejection)
}

func TestDeliverTreatsServerErrorAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestService(t)
	err := s.deliver(t.Context(), models.SyncSubmission{ID: "s1", WebhookURL: srv.URL, EnqueuedAt: time.Now().UnixMilli()})
	require.Error(t, err)
	require.False(t, errors.Is(err, queue.ErrPermanentRejection))
}
