package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func alwaysPong(context.Context, int64) bool { return true }
func neverPong(context.Context, int64) bool  { return false }

func TestSendBuffersUntilPong(t *testing.T) {
	var sent []Event
	l := New(func(ev Event) { sent = append(sent, ev) }, alwaysPong)

	l.Send(Event{Type: "SEARCH", Payload: "a"})
	l.Send(Event{Type: "SEARCH", Payload: "b"})
	require.Empty(t, sent)

	l.transition(StateControlling)
	require.Empty(t, sent, "reaching Controlling alone must not flush the buffer")

	l.Ping(context.Background())
	require.Equal(t, []Event{{Type: "SEARCH", Payload: "a"}, {Type: "SEARCH", Payload: "b"}}, sent)
}

func TestPingWithoutPongLeavesBufferClosed(t *testing.T) {
	var sent []Event
	l := New(func(ev Event) { sent = append(sent, ev) }, neverPong)

	l.transition(StateControlling)
	l.Send(Event{Type: "SEARCH", Payload: "a"})
	l.Ping(context.Background())

	require.Empty(t, sent, "a missed pong must not open the ready gate")
}

func TestSendDeliversImmediatelyOncePonged(t *testing.T) {
	var sent []Event
	l := New(func(ev Event) { sent = append(sent, ev) }, alwaysPong)
	l.transition(StateControlling)
	l.Ping(context.Background())

	l.Send(Event{Type: "SEARCH", Payload: "a"})
	require.Equal(t, []Event{{Type: "SEARCH", Payload: "a"}}, sent)
}

func TestWaitReadyUnblocksOnPong(t *testing.T) {
	l := New(func(Event) {}, alwaysPong)

	done := make(chan struct{})
	go func() {
		_ = l.WaitReady(context.Background())
		close(done)
	}()

	l.transition(StateControlling)
	l.Ping(context.Background())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitReady did not unblock")
	}
}

func TestWaitReadyRespectsContextCancellation(t *testing.T) {
	l := New(func(Event) {}, alwaysPong)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.WaitReady(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRedundantResetsReadyGate(t *testing.T) {
	l := New(func(Event) {}, alwaysPong)
	l.transition(StateControlling)
	l.Ping(context.Background())
	require.Equal(t, StateControlling, l.State())

	l.transition(StateRedundant)
	require.Equal(t, StateRedundant, l.State())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.WaitReady(ctx)
	require.Error(t, err)
}
