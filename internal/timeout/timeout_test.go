package timeout

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestWithExpiresOnFakeClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := With(context.Background(), clock, time.Second)
	defer cancel()

	if ctx.Err() != nil {
		t.Fatal("context done before the bound elapsed")
	}
	clock.Advance(time.Second)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not canceled after Advance")
	}
	if !Expired(ctx) {
		t.Error("Expired() = false after the bound elapsed")
	}
}

func TestCancelIsNotExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := With(context.Background(), clock, time.Minute)
	cancel()
	if ctx.Err() == nil {
		t.Fatal("cancel did not end the context")
	}
	if Expired(ctx) {
		t.Error("Expired() = true after explicit cancel")
	}
}

func TestZeroBoundNeverExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := With(context.Background(), clock, 0)
	defer cancel()
	clock.Advance(time.Hour)
	if ctx.Err() != nil {
		t.Error("unbounded context ended")
	}
}
