// Package faketerm is an in-memory stand-in for a terminal multiplexer,
// used by the Agent Bridge integration tests so no real PTY is spawned
// in CI.
package faketerm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kandev/fleetctl/internal/errs"
)

// Driver implements terminal.PaneDriver over a plain in-memory buffer
// per session name. It records every write, so tests can assert on the
// commit-delay gap between the command write and the commit write.
type Driver struct {
	mu       sync.Mutex
	panes    map[string]*strings.Builder
	writes   map[string][]Write
	minDelay time.Duration
}

// Write records one write made by SendCommand/SendKeys, for delay
// assertions. SendCommand records two: the text, then the commit.
type Write struct {
	Session string
	Text    string
	At      time.Time
	Commit  bool
}

// New builds an empty fake driver. minDelay, if positive, is the floor
// for SendCommand's commit pause: a smaller delayOverride is raised to
// it, mirroring the commit-delay floor a real Driver enforces.
func New(minDelay time.Duration) *Driver {
	return &Driver{
		panes:    make(map[string]*strings.Builder),
		writes:   make(map[string][]Write),
		minDelay: minDelay,
	}
}

func (d *Driver) SessionExists(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.panes[name]
	return ok
}

func (d *Driver) CreateSession(ctx context.Context, name string, initialCommand string) error {
	d.mu.Lock()
	if _, exists := d.panes[name]; exists {
		d.mu.Unlock()
		return fmt.Errorf("create session %s: %w", name, errs.ErrValidation)
	}
	d.panes[name] = &strings.Builder{}
	d.mu.Unlock()
	if initialCommand != "" {
		return d.SendCommand(ctx, name, initialCommand, 0)
	}
	return nil
}

func (d *Driver) KillSession(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.panes, name)
	delete(d.writes, name)
	return nil
}

func (d *Driver) SendCommand(ctx context.Context, name, text string, delayOverride time.Duration) error {
	delay := d.minDelay
	if delayOverride > delay {
		delay = delayOverride
	}
	if err := d.record(name, text, false); err != nil {
		return err
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return fmt.Errorf("commit to session %s: %w", name, ctx.Err())
	}
	return d.record(name, text+"\n", true)
}

func (d *Driver) SendKeys(ctx context.Context, name, rawKeys string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send keys to session %s: %w", name, err)
	}
	return d.record(name, rawKeys, false)
}

func (d *Driver) record(name, text string, commit bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pane, ok := d.panes[name]
	if !ok {
		return fmt.Errorf("session %s: %w", name, errs.ErrNotFound)
	}
	if commit {
		pane.WriteString(text)
	}
	d.writes[name] = append(d.writes[name], Write{Session: name, Text: text, At: time.Now(), Commit: commit})
	return nil
}

func (d *Driver) CapturePane(ctx context.Context, name string, lastNLines int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("capture pane %s: %w", name, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	pane, ok := d.panes[name]
	if !ok {
		return "", fmt.Errorf("session %s: %w", name, errs.ErrNotFound)
	}
	text := pane.String()
	if lastNLines <= 0 {
		return text, nil
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > lastNLines {
		lines = lines[len(lines)-lastNLines:]
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// Writes returns the recorded write log for a session, for assertions
// about ordering and the commit-delay gap.
func (d *Driver) Writes(name string) []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Write, len(d.writes[name]))
	copy(out, d.writes[name])
	return out
}

// Feed appends raw text to a session's pane directly, simulating output
// an agent would echo (sentinels, prompts) without going through a real
// shell.
func (d *Driver) Feed(name, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pane, ok := d.panes[name]
	if !ok {
		return fmt.Errorf("session %s: %w", name, errs.ErrNotFound)
	}
	pane.WriteString(text)
	return nil
}
