package terminal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kandev/fleetctl/internal/common/config"
	"github.com/kandev/fleetctl/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return log
}

func TestNewDriverRejectsSmallCommitDelay(t *testing.T) {
	cfg := config.TerminalConfig{CommitDelaySeconds: 0.01, Cols: 80, Rows: 24}
	_, err := NewDriver(cfg, testLogger(t))
	if !errors.Is(err, ErrCommitDelayTooSmall) {
		t.Fatalf("expected ErrCommitDelayTooSmall, got %v", err)
	}
}

func TestNewDriverAcceptsMinimumCommitDelay(t *testing.T) {
	cfg := config.TerminalConfig{CommitDelaySeconds: 0.1, Cols: 80, Rows: 24}
	d, err := NewDriver(cfg, testLogger(t))
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	if d.commitDelay != config.MinCommitDelay {
		t.Fatalf("commit delay = %s, want %s", d.commitDelay, config.MinCommitDelay)
	}
}

func TestSessionLifecycleUnknownSession(t *testing.T) {
	cfg := config.TerminalConfig{CommitDelaySeconds: 0.1, Cols: 80, Rows: 24}
	d, err := NewDriver(cfg, testLogger(t))
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	if d.SessionExists("ghost") {
		t.Fatal("expected session to not exist")
	}
	if _, err := d.CapturePane(context.Background(), "ghost", 0); err == nil {
		t.Fatal("expected error capturing pane of unknown session")
	}
}

func TestSendCommandEnforcesCommitDelayGap(t *testing.T) {
	cfg := config.TerminalConfig{CommitDelaySeconds: 0.1, Cols: 80, Rows: 24}
	d, err := NewDriver(cfg, testLogger(t))
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	if err := d.CreateSession(context.Background(), "delay-check", ""); err != nil {
		t.Skipf("no pty available in this environment: %v", err)
	}
	defer func() { _ = d.KillSession("delay-check") }()

	start := time.Now()
	if err := d.SendCommand(context.Background(), "delay-check", "echo hi", 0); err != nil {
		t.Fatalf("send command: %v", err)
	}
	if elapsed := time.Since(start); elapsed < config.MinCommitDelay {
		t.Fatalf("send command returned after %s, before the %s commit delay", elapsed, config.MinCommitDelay)
	}
}
