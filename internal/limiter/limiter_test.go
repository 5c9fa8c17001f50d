package limiter

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestWaitNUnlimitedReturnsImmediately(t *testing.T) {
	l := New(Unlimited, 16*1024)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.WaitN(ctx, 16*1024); err != nil {
		t.Fatal(err)
	}
}

func TestWaitNBlocksPastBurstUntilCancelled(t *testing.T) {
	l := New(rate.Limit(1), 5) // 1 byte/sec, burst 5
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// The first 5 bytes consume the full burst instantly; 5 more bytes
	// at 1 byte/sec cannot complete within the short deadline.
	if err := l.WaitN(ctx, 5); err != nil {
		t.Fatal(err)
	}
	if err := l.WaitN(ctx, 5); err == nil {
		t.Fatal("expected context deadline to be exceeded")
	}
}

func TestSetLimitChangesRate(t *testing.T) {
	l := New(rate.Limit(1), 1)
	l.SetLimit(Unlimited)
	if l.Limit() != Unlimited {
		t.Fatalf("expected unlimited rate after SetLimit, got %v", l.Limit())
	}
}

func TestNewPairGivesIndependentLimiters(t *testing.T) {
	p := NewPair(rate.Limit(10), rate.Limit(20), 16*1024)
	if p.Up.Limit() == p.Down.Limit() {
		t.Fatal("expected up/down limiters to carry distinct rates")
	}
}
