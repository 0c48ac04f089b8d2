package terminal

import (
	"context"
	"time"
)

// PaneDriver is the Terminal Session Driver contract the Agent Bridge
// depends on. *Driver satisfies it against a real PTY; tests use
// internal/terminal/faketerm instead of spawning a shell. Every
// operation takes a context and is bounded by the driver's own
// control/capture deadlines on top of whatever the caller sets.
type PaneDriver interface {
	SessionExists(name string) bool
	CreateSession(ctx context.Context, name string, initialCommand string) error
	KillSession(name string) error
	SendCommand(ctx context.Context, name, text string, delayOverride time.Duration) error
	SendKeys(ctx context.Context, name, rawKeys string) error
	CapturePane(ctx context.Context, name string, lastNLines int) (string, error)
}

var _ PaneDriver = (*Driver)(nil)
