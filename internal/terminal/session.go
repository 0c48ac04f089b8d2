// Package terminal implements the Terminal Session Driver: one PTY-backed
// session per agent, written to by send_command/send_keys and read back
// through a vt10x virtual terminal emulator via capture_pane.
package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/kandev/fleetctl/internal/common/logger"
	"github.com/kandev/fleetctl/internal/errs"
)

// session is one PTY-backed pane plus the virtual terminal that renders
// its visible content for capture_pane.
type session struct {
	name    string
	workDir string
	shell   string
	args    []string

	mu      sync.Mutex
	pty     *os.File
	cmd     *exec.Cmd
	running bool

	term vt10x.Terminal
	cols int
	rows int

	stopCh chan struct{}
	doneCh chan struct{}
}

func detectShell() (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd.exe", nil
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	return "/bin/sh", nil
}

func newSession(name, workDir string, cols, rows int) (*session, error) {
	shell, args := detectShell()
	s := &session{
		name:    name,
		workDir: workDir,
		shell:   shell,
		args:    args,
		cols:    cols,
		rows:    rows,
		term:    vt10x.New(vt10x.WithSize(cols, rows)),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) start() error {
	s.cmd = exec.Command(s.shell, s.args...)
	s.cmd.Dir = s.workDir
	s.cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	f, err := pty.StartWithSize(s.cmd, &pty.Winsize{Cols: uint16(s.cols), Rows: uint16(s.rows)})
	if err != nil {
		return fmt.Errorf("start pty for session %s: %w", s.name, err)
	}
	s.pty = f
	s.running = true

	go s.readLoop()
	return nil
}

func (s *session) readLoop() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		n, err := s.pty.Read(buf)
		if n > 0 {
			s.mu.Lock()
			_, _ = s.term.Write(buf[:n])
			s.mu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				return
			}
			return
		}
	}
}

// write performs a single raw write to the pane, with no commit pause.
// The write runs in its own goroutine so a wedged PTY surfaces as a
// context deadline error instead of blocking the caller forever.
func (s *session) write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	running := s.running
	f := s.pty
	s.mu.Unlock()
	if !running || f == nil {
		return fmt.Errorf("session %s is not running", s.name)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.Write(data)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write to session %s: %w: %w", s.name, ctx.Err(), errs.ErrTransientDependency)
	}
}

// sendCommand performs the two-write commit sequence: the literal text,
// a mandatory pause, then the commit keystroke (carriage return). A
// context expiry during the pause aborts before the commit keystroke,
// leaving the line uncommitted rather than half-delivered.
func (s *session) sendCommand(ctx context.Context, text string, delay time.Duration) error {
	if err := s.write(ctx, []byte(text)); err != nil {
		return err
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return fmt.Errorf("commit to session %s: %w: %w", s.name, ctx.Err(), errs.ErrTransientDependency)
	}
	return s.write(ctx, []byte("\r"))
}

// capture renders the visible grid back to text, optionally limited to
// the last n lines.
func (s *session) capture(lastN int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]string, 0, s.rows)
	for row := 0; row < s.rows; row++ {
		lines = append(lines, s.renderRow(row))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if lastN > 0 && len(lines) > lastN {
		lines = lines[len(lines)-lastN:]
	}
	text := ""
	for i, l := range lines {
		if i > 0 {
			text += "\n"
		}
		text += l
	}
	return text
}

// renderRow must be called with s.mu held.
func (s *session) renderRow(row int) string {
	runes := make([]rune, 0, s.cols)
	for col := 0; col < s.cols; col++ {
		glyph := s.term.Cell(col, row)
		if glyph.Char == 0 {
			runes = append(runes, ' ')
			continue
		}
		runes = append(runes, glyph.Char)
	}
	end := len(runes)
	for end > 0 && runes[end-1] == ' ' {
		end--
	}
	return string(runes[:end])
}

func (s *session) resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols, s.rows = cols, rows
	s.term.Resize(cols, rows)
	if s.pty != nil {
		_ = pty.Setsize(s.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	}
}

func (s *session) kill(log *logger.Logger) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	if s.pty != nil {
		_ = s.pty.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_, _ = s.cmd.Process.Wait()
	}
	if log != nil {
		log.Debug("terminal session killed", zap.String("session", s.name))
	}
	return nil
}
