package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"trackline/internal/config"
	"trackline/internal/repo"
)

func TestKeyPrefix(t *testing.T) {
	cases := map[string]string{
		"Payments":    "PAYM",
		"ab":          "AB",
		"9 lives x-y": "LIVE",
		"q1 2024":     "Q",
		"123":         "PROJ",
		"":            "PROJ",
		"Café crème":  "CAFC",
	}
	for name, want := range cases {
		if got := KeyPrefix(name); got != want {
			t.Fatalf("KeyPrefix(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestMaxKeyNumber(t *testing.T) {
	n, ok := maxKeyNumber("PAYM", []string{"PAYM-3", "PAYM-12", "OTHER-99", "PAYM-x", "PAYM-7"})
	if !ok || n != 12 {
		t.Fatalf("got %d %v", n, ok)
	}
	if _, ok := maxKeyNumber("PAYM", []string{"LEGACY-1"}); ok {
		t.Fatalf("foreign keys must not match")
	}
}

func quietEngine() Engine {
	cfg := config.Default()
	cfg.Engine.RetryBaseDelayMS = 1
	return Engine{Config: cfg, Logger: log.New(io.Discard, "", 0)}
}

func TestRetryOnConflictRetriesUniqueViolations(t *testing.T) {
	e := quietEngine()
	calls := 0
	err := e.retryOnConflict(context.Background(), "op", func(attempt int) error {
		calls++
		if attempt == 0 {
			return repo.ErrConflict
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected success on the second attempt, got %v after %d calls", err, calls)
	}
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	e := quietEngine()
	boom := errors.New("boom")
	calls := 0
	err := e.retryOnConflict(context.Background(), "op", func(int) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected immediate failure, got %v after %d calls", err, calls)
	}
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	e := quietEngine()
	calls := 0
	err := e.retryOnConflict(context.Background(), "create item", func(int) error {
		calls++
		return repo.ErrConflict
	})
	if !errors.Is(err, repo.ErrConflict) || calls != e.keyAttempts() {
		t.Fatalf("expected conflict after %d attempts, got %v after %d", e.keyAttempts(), err, calls)
	}
}

func TestBackoffStaysWithinBounds(t *testing.T) {
	base := 10 * time.Millisecond
	for attempt := 1; attempt <= 4; attempt++ {
		full := base << (attempt - 1)
		for i := 0; i < 50; i++ {
			d := backoff(base, attempt)
			if d < full/2 || d > full {
				t.Fatalf("attempt %d: %v outside [%v, %v]", attempt, d, full/2, full)
			}
		}
	}
	if backoff(0, 3) != 0 {
		t.Fatalf("zero base should not wait")
	}
}
