package payment

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type countingNode struct {
	calls  int32
	status Status
}

func (c *countingNode) PayToPeer(_ context.Context, _ string, _ int64, _ string) (Outcome, error) {
	atomic.AddInt32(&c.calls, 1)
	return Outcome{Status: c.status, FeeSat: 0}, nil
}

func TestPayIsIdempotent(t *testing.T) {
	node := &countingNode{status: StatusSuccess}
	ex := New(node, DefaultOptions(), noopLogger())

	out1, err := ex.Pay(context.Background(), "peer", 1000, 2000, 100, "tick-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out2, err := ex.Pay(context.Background(), "peer", 1000, 2000, 100, "tick-1")
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if out1.Status != out2.Status {
		t.Fatalf("replayed outcome differs: %v vs %v", out1, out2)
	}
	if atomic.LoadInt32(&node.calls) != 1 {
		t.Fatalf("expected exactly one node call, got %d", node.calls)
	}
}

func TestPayRefusesReserveBreach(t *testing.T) {
	node := &countingNode{status: StatusSuccess}
	ex := New(node, DefaultOptions(), noopLogger())

	_, err := ex.Pay(context.Background(), "peer", 5000, 4000, 500, "tick-2")
	if err == nil {
		t.Fatal("expected reserve-breach error")
	}
	if atomic.LoadInt32(&node.calls) != 0 {
		t.Fatalf("node should not have been called, got %d calls", node.calls)
	}
}

func TestPayDifferentKeysAreIndependent(t *testing.T) {
	node := &countingNode{status: StatusSuccess}
	ex := New(node, DefaultOptions(), noopLogger())

	for i := 0; i < 3; i++ {
		key := time.Now().Add(time.Duration(i) * time.Nanosecond).String()
		if _, err := ex.Pay(context.Background(), "peer", 100, 2000, 100, key); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if atomic.LoadInt32(&node.calls) != 3 {
		t.Fatalf("expected 3 distinct calls, got %d", node.calls)
	}
}
