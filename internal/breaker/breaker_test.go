package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var errGatewayDown = errors.New("gateway timeout")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(cooldown time.Duration) *Registry {
	return NewRegistry(Config{
		FailureThreshold: 5,
		Cooldown:         cooldown,
		Window:           time.Minute,
	}, testLogger())
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(time.Minute)

	for i := 0; i < 5; i++ {
		err := r.Do(ctx, "paystack", func(ctx context.Context) error {
			return errGatewayDown
		})
		if !errors.Is(err, errGatewayDown) {
			t.Fatalf("attempt %d: expected gateway error, got %v", i, err)
		}
	}

	if got := r.State("paystack"); got != StateOpen {
		t.Fatalf("expected open after 5 consecutive failures, got %s", got)
	}
}

func TestOpenRejectsWithoutCallingGateway(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(time.Minute)

	for i := 0; i < 5; i++ {
		_ = r.Do(ctx, "flutterwave", func(ctx context.Context) error {
			return errGatewayDown
		})
	}

	called := false
	start := time.Now()
	err := r.Do(ctx, "flutterwave", func(ctx context.Context) error {
		called = true
		return nil
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("open breaker must not attempt the gateway")
	}
	if elapsed > time.Millisecond {
		t.Fatalf("open rejection took %s, want under 1ms", elapsed)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(time.Minute)

	for i := 0; i < 4; i++ {
		_ = r.Do(ctx, "paystack", func(ctx context.Context) error {
			return errGatewayDown
		})
	}
	if err := r.Do(ctx, "paystack", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("success call failed: %v", err)
	}

	// Four more failures must not trip a threshold of five.
	for i := 0; i < 4; i++ {
		_ = r.Do(ctx, "paystack", func(ctx context.Context) error {
			return errGatewayDown
		})
	}
	if got := r.State("paystack"); got != StateClosed {
		t.Fatalf("expected closed after counter reset, got %s", got)
	}
}

func TestHalfOpenTrialClosesOnSuccess(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(30 * time.Millisecond)

	for i := 0; i < 5; i++ {
		_ = r.Do(ctx, "paystack", func(ctx context.Context) error {
			return errGatewayDown
		})
	}
	if got := r.State("paystack"); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}

	time.Sleep(50 * time.Millisecond)

	if err := r.Do(ctx, "paystack", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if got := r.State("paystack"); got != StateClosed {
		t.Fatalf("expected closed after trial success, got %s", got)
	}
}

func TestHalfOpenTrialReopensOnFailure(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(30 * time.Millisecond)

	for i := 0; i < 5; i++ {
		_ = r.Do(ctx, "paystack", func(ctx context.Context) error {
			return errGatewayDown
		})
	}

	time.Sleep(50 * time.Millisecond)

	err := r.Do(ctx, "paystack", func(ctx context.Context) error {
		return errGatewayDown
	})
	if !errors.Is(err, errGatewayDown) {
		t.Fatalf("expected gateway error from trial, got %v", err)
	}
	if got := r.State("paystack"); got != StateOpen {
		t.Fatalf("expected reopen after trial failure, got %s", got)
	}
}

func TestBreakersAreIndependentPerGateway(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(time.Minute)

	for i := 0; i < 5; i++ {
		_ = r.Do(ctx, "paystack", func(ctx context.Context) error {
			return errGatewayDown
		})
	}

	if err := r.Do(ctx, "flutterwave", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("healthy gateway must not be affected: %v", err)
	}

	states := r.States()
	if states["paystack"] != StateOpen {
		t.Fatalf("expected paystack open, got %s", states["paystack"])
	}
	if states["flutterwave"] != StateClosed {
		t.Fatalf("expected flutterwave closed, got %s", states["flutterwave"])
	}
}
