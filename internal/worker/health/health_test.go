package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func TestCheckDefaultsToNotServing(t *testing.T) {
	s := NewServer()

	resp, err := s.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "cachesync.worker"})
	require.NoError(t, err)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestCheckReflectsSetServing(t *testing.T) {
	s := NewServer()
	s.SetServing("cachesync.worker")

	resp, err := s.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "cachesync.worker"})
	require.NoError(t, err)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}

type fakeWatchStream struct {
	grpc_health_v1.Health_WatchServer
	ctx  context.Context
	sent chan grpc_health_v1.HealthCheckResponse_ServingStatus
}

func (f *fakeWatchStream) Context() context.Context { return f.ctx }

func (f *fakeWatchStream) Send(resp *grpc_health_v1.HealthCheckResponse) error {
	f.sent <- resp.Status
	return nil
}

func TestWatchSendsCurrentStatusImmediately(t *testing.T) {
	s := NewServer()
	s.SetServing("cachesync.worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := &fakeWatchStream{ctx: ctx, sent: make(chan grpc_health_v1.HealthCheckResponse_ServingStatus, 4)}

	done := make(chan error, 1)
	go func() {
		done <- s.Watch(&grpc_health_v1.HealthCheckRequest{Service: "cachesync.worker"}, stream)
	}()

	select {
	case status := <-stream.sent:
		require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, status)
	case <-time.After(time.Second):
		t.Fatal("watch did not send initial status")
	}

	cancel()
	<-done
}

func TestWatchStreamsSubsequentTransitions(t *testing.T) {
	s := NewServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := &fakeWatchStream{ctx: ctx, sent: make(chan grpc_health_v1.HealthCheckResponse_ServingStatus, 4)}

	done := make(chan error, 1)
	go func() {
		done <- s.Watch(&grpc_health_v1.HealthCheckRequest{Service: "cachesync.worker"}, stream)
	}()

	<-stream.sent // initial NOT_SERVING

	s.SetServing("cachesync.worker")
	select {
	case status := <-stream.sent:
		require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, status)
	case <-time.After(time.Second):
		t.Fatal("watch did not observe SetServing")
	}

	s.SetNotServing("cachesync.worker")
	select {
	case status := <-stream.sent:
		require.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, status)
	case <-time.After(time.Second):
		t.Fatal("watch did not observe SetNotServing")
	}

	cancel()
	<-done
}
