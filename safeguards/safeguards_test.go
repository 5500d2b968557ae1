package safeguards

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestGuardRefusesReentry(t *testing.T) {
	g := NewCommitGuard(GuardConfig{Logger: testLogger()})
	ctx := context.Background()

	if err := g.Acquire(ctx, "commit-1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	err := g.Acquire(ctx, "commit-2")
	if !errors.Is(err, ErrCommitInProgress) {
		t.Fatalf("second acquire = %v, want ErrCommitInProgress", err)
	}
	g.Release("commit-1")
	if err := g.Acquire(ctx, "commit-3"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestGuardHealthCheckFailureReleases(t *testing.T) {
	boom := errors.New("system unhealthy")
	g := NewCommitGuard(GuardConfig{
		Logger:          testLogger(),
		HealthCheckFunc: func(context.Context) error { return boom },
	})

	err := g.Acquire(context.Background(), "commit")
	if !errors.Is(err, boom) {
		t.Fatalf("acquire = %v, want health check failure", err)
	}
	if g.Held() {
		t.Fatal("failed health check must release the guard")
	}
}

func TestWithCommitReleasesOnError(t *testing.T) {
	g := NewCommitGuard(GuardConfig{Logger: testLogger()})
	boom := errors.New("commit failed")

	err := g.WithCommit(context.Background(), "commit", func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("WithCommit = %v, want wrapped error", err)
	}
	if g.Held() {
		t.Fatal("guard should be released after the function returns")
	}
}

func TestRecoverableOperation(t *testing.T) {
	err := RecoverableOperation(testLogger(), "panicky", func() error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("panic should surface as an error")
	}

	if err := RecoverableOperation(testLogger(), "fine", func() error { return nil }); err != nil {
		t.Fatalf("clean operation: %v", err)
	}
}
