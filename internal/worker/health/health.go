// Package health exposes worker lifecycle state over the standard
// gRPC health-checking protocol, so the page process can Watch() for
// the worker's Activating -> Activated(Controlling) transition instead
// of polling an HTTP endpoint.
package health

import (
	"context"
	"sync"

	"google.golang.org/grpc/health/grpc_health_v1"
)

// Server implements grpc_health_v1.HealthServer over the Worker
// Lifecycle & Handshake state machine's serving states.
type Server struct {
	grpc_health_v1.UnimplementedHealthServer

	mu       sync.RWMutex
	statuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	watchers map[string][]chan grpc_health_v1.HealthCheckResponse_ServingStatus
}

// NewServer creates a health server with every service initially
// NOT_SERVING, matching WLH's Installing/Installed(Waiting) states.
func NewServer() *Server {
	return &Server{
		statuses: make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus),
		watchers: make(map[string][]chan grpc_health_v1.HealthCheckResponse_ServingStatus),
	}
}

// SetServing transitions service into Activated(Controlling) and
// notifies any active Watch streams.
func (s *Server) SetServing(service string) {
	s.setStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
}

// SetNotServing transitions service into Redundant.
func (s *Server) SetNotServing(service string) {
	s.setStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

func (s *Server) setStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	s.statuses[service] = status
	watchers := append([]chan grpc_health_v1.HealthCheckResponse_ServingStatus{}, s.watchers[service]...)
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- status:
		default:
		}
	}
}

// Check implements the unary health-check RPC.
func (s *Server) Check(_ context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.statuses[req.Service]
	if !ok {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return &grpc_health_v1.HealthCheckResponse{Status: status}, nil
}

// Watch implements the streaming health-check RPC the page process
// uses to learn about Activated/Redundant transitions as they happen.
func (s *Server) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	ch := make(chan grpc_health_v1.HealthCheckResponse_ServingStatus, 1)

	s.mu.Lock()
	current, ok := s.statuses[req.Service]
	if !ok {
		current = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.watchers[req.Service] = append(s.watchers[req.Service], ch)
	s.mu.Unlock()

	defer s.removeWatcher(req.Service, ch)

	if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
		return err
	}

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case status := <-ch:
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: status}); err != nil {
				return err
			}
		}
	}
}

func (s *Server) removeWatcher(service string, ch chan grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	watchers := s.watchers[service]
	for i, w := range watchers {
		if w == ch {
			s.watchers[service] = append(watchers[:i], watchers[i+1:]...)
			break
		}
	}
}
