package terminal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/fleetctl/internal/common/config"
	"github.com/kandev/fleetctl/internal/common/logger"
	"github.com/kandev/fleetctl/internal/errs"
)

// ErrCommitDelayTooSmall is returned by NewDriver when the configured
// commit delay is below MinCommitDelay. Losing this pause loses a
// significant fraction of commands under load, so it is rejected at
// construction time rather than silently clamped.
var ErrCommitDelayTooSmall = fmt.Errorf("commit delay below minimum: %w", errs.ErrValidation)

// Operation deadline ceilings. Configured timeouts are clamped to
// these; SendCommand's deadline adds its commit pause on top.
const (
	maxControlTimeout = 5 * time.Second
	maxCaptureTimeout = 10 * time.Second
)

// Driver is the Terminal Session Driver: it owns one PTY-backed Session
// per agent name and enforces the mandatory commit delay on every
// send_command call. Every operation is bounded: control writes by the
// control timeout, pane captures by the capture timeout, so a wedged
// PTY fails the call instead of hanging the calling bridge goroutine.
type Driver struct {
	mu       sync.Mutex
	sessions map[string]*session
	log      *logger.Logger

	commitDelay    time.Duration
	controlTimeout time.Duration
	captureTimeout time.Duration
	cols, rows     int
}

// NewDriver validates the terminal configuration and builds a Driver.
// It returns ErrCommitDelayTooSmall if cfg.CommitDelay() is below
// config.MinCommitDelay.
func NewDriver(cfg config.TerminalConfig, log *logger.Logger) (*Driver, error) {
	delay := cfg.CommitDelay()
	if delay < config.MinCommitDelay {
		return nil, fmt.Errorf("commit delay %s: %w", delay, ErrCommitDelayTooSmall)
	}
	cols, rows := cfg.Cols, cfg.Rows
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}
	return &Driver{
		sessions:       make(map[string]*session),
		log:            log,
		commitDelay:    delay,
		controlTimeout: boundedTimeout(cfg.ControlTimeout(), maxControlTimeout),
		captureTimeout: boundedTimeout(cfg.CaptureTimeout(), maxCaptureTimeout),
		cols:           cols,
		rows:           rows,
	}, nil
}

func boundedTimeout(configured, ceiling time.Duration) time.Duration {
	if configured <= 0 || configured > ceiling {
		return ceiling
	}
	return configured
}

// SessionExists reports whether a session with the given name is live.
func (d *Driver) SessionExists(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[name]
	return ok
}

// CreateSession starts a new PTY-backed session under the given name,
// optionally running an initial command once the shell is up.
func (d *Driver) CreateSession(ctx context.Context, name string, initialCommand string) error {
	d.mu.Lock()
	if _, exists := d.sessions[name]; exists {
		d.mu.Unlock()
		return fmt.Errorf("create session %s: %w", name, errs.ErrValidation)
	}
	cols, rows := d.cols, d.rows
	d.mu.Unlock()

	s, err := newSession(name, ".", cols, rows)
	if err != nil {
		return fmt.Errorf("create session %s: %w", name, err)
	}

	d.mu.Lock()
	d.sessions[name] = s
	d.mu.Unlock()

	if initialCommand != "" {
		if err := d.SendCommand(ctx, name, initialCommand, 0); err != nil {
			return err
		}
	}
	return nil
}

// KillSession terminates and forgets the named session.
func (d *Driver) KillSession(name string) error {
	d.mu.Lock()
	s, ok := d.sessions[name]
	if ok {
		delete(d.sessions, name)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return s.kill(d.log)
}

// SendCommand writes the command text, pauses at least the mandatory
// commit delay (or the caller's delayOverride, whichever is larger),
// then writes the commit keystroke. This is the only place the
// commit-delay invariant is enforced. The whole sequence is bounded by
// the control timeout plus the commit pause.
func (d *Driver) SendCommand(ctx context.Context, name, text string, delayOverride time.Duration) error {
	s, err := d.get(name)
	if err != nil {
		return err
	}
	delay := d.commitDelay
	if delayOverride > delay {
		delay = delayOverride
	}
	opCtx, cancel := context.WithTimeout(ctx, d.controlTimeout+delay)
	defer cancel()
	return s.sendCommand(opCtx, text, delay)
}

// SendKeys performs a single raw write with no commit keystroke, for
// control sequences (e.g. Ctrl-C, arrow keys).
func (d *Driver) SendKeys(ctx context.Context, name, rawKeys string) error {
	s, err := d.get(name)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, d.controlTimeout)
	defer cancel()
	return s.write(opCtx, []byte(rawKeys))
}

// CapturePane drains pending output into the virtual terminal and
// returns its visible text, optionally limited to the last N lines.
// Bounded by the capture timeout.
func (d *Driver) CapturePane(ctx context.Context, name string, lastNLines int) (string, error) {
	s, err := d.get(name)
	if err != nil {
		return "", err
	}
	opCtx, cancel := context.WithTimeout(ctx, d.captureTimeout)
	defer cancel()

	captured := make(chan string, 1)
	go func() { captured <- s.capture(lastNLines) }()
	select {
	case text := <-captured:
		return text, nil
	case <-opCtx.Done():
		return "", fmt.Errorf("capture pane %s: %w: %w", name, opCtx.Err(), errs.ErrTransientDependency)
	}
}

// Resize updates a session's PTY and virtual terminal dimensions.
func (d *Driver) Resize(name string, cols, rows int) error {
	s, err := d.get(name)
	if err != nil {
		return err
	}
	s.resize(cols, rows)
	return nil
}

func (d *Driver) get(name string) (*session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[name]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", name, errs.ErrNotFound)
	}
	return s, nil
}

// Close kills every live session. Called during orchestrator shutdown.
func (d *Driver) Close() error {
	d.mu.Lock()
	sessions := d.sessions
	d.sessions = make(map[string]*session)
	d.mu.Unlock()

	for name, s := range sessions {
		if err := s.kill(d.log); err != nil {
			return fmt.Errorf("close session %s: %w", name, err)
		}
	}
	return nil
}
