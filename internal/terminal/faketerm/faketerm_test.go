package faketerm

import (
	"context"
	"testing"
	"time"
)

func TestSendCommandGapMeetsMinimumDelay(t *testing.T) {
	minDelay := 20 * time.Millisecond
	d := New(minDelay)
	if err := d.CreateSession(context.Background(), "agent-1", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := d.SendCommand(context.Background(), "agent-1", "echo hi", 0); err != nil {
		t.Fatalf("send command: %v", err)
	}

	writes := d.Writes("agent-1")
	if len(writes) != 2 {
		t.Fatalf("expected 2 recorded writes, got %d", len(writes))
	}
	gap := writes[1].At.Sub(writes[0].At)
	if gap < minDelay {
		t.Fatalf("commit gap %s below minimum %s", gap, minDelay)
	}
	if writes[0].Commit || !writes[1].Commit {
		t.Fatalf("expected first write to be the text and second to be the commit")
	}
}

func TestSendCommandAbortsOnCancelledContext(t *testing.T) {
	d := New(50 * time.Millisecond)
	if err := d.CreateSession(context.Background(), "agent-1", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.SendCommand(ctx, "agent-1", "echo hi", 0); err == nil {
		t.Fatal("expected error sending command with a cancelled context")
	}
	// The command text was written but never committed.
	writes := d.Writes("agent-1")
	for _, w := range writes {
		if w.Commit {
			t.Fatal("expected no commit write after cancellation")
		}
	}
}

func TestCapturePaneLastNLines(t *testing.T) {
	d := New(0)
	if err := d.CreateSession(context.Background(), "agent-1", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := d.Feed("agent-1", "line1\nline2\nline3\n"); err != nil {
		t.Fatalf("feed: %v", err)
	}
	text, err := d.CapturePane(context.Background(), "agent-1", 2)
	if err != nil {
		t.Fatalf("capture pane: %v", err)
	}
	want := "line2\nline3\n"
	if text != want {
		t.Fatalf("capture = %q, want %q", text, want)
	}
}

func TestUnknownSessionOperationsFail(t *testing.T) {
	d := New(0)
	if err := d.SendKeys(context.Background(), "ghost", "\x03"); err == nil {
		t.Fatal("expected error sending keys to unknown session")
	}
	if _, err := d.CapturePane(context.Background(), "ghost", 0); err == nil {
		t.Fatal("expected error capturing unknown session")
	}
}
