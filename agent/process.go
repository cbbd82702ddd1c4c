package agent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// process wraps one CLI subprocess running in its own process group.
// Killing always targets the group so CLI-spawned children (shells,
// test runs) die with the leader.
type process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	lastOut  atomic.Int64
	killed   atomic.Bool
	timedOut atomic.Bool

	exited     chan struct{}
	exitOnce   sync.Once
	stderrDone chan struct{}

	stderrMu   sync.Mutex
	stderrTail []string
	tailLines  int
	lineLimit  int
}

// startProcess spawns argv[0] with the remaining args in dir. The
// child gets its own process group.
func startProcess(args []string, dir string, tailLines, lineLimit int) (*process, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, args[0])
		}
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}

	p := &process{
		cmd:        cmd,
		stdout:     stdout,
		stderr:     stderr,
		exited:     make(chan struct{}),
		stderrDone: make(chan struct{}),
		tailLines:  tailLines,
		lineLimit:  lineLimit,
	}
	p.lastOut.Store(time.Now().UnixNano())

	go p.drainStderr()
	return p, nil
}

// forEachLine streams stdout line by line into fn until EOF or fn
// returns false. Lines keep no trailing newline. Reading must finish
// before wait.
func (p *process) forEachLine(fn func(line string) bool) error {
	reader := bufio.NewReaderSize(p.stdout, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			p.lastOut.Store(time.Now().UnixNano())
			if !fn(strings.TrimRight(line, "\r\n")) {
				return nil
			}
		}
		if err != nil {
			if err == io.EOF || p.killed.Load() {
				return nil
			}
			return fmt.Errorf("read stdout: %w", err)
		}
	}
}

// readAll captures the remaining stdout in full.
func (p *process) readAll() (string, error) {
	var b strings.Builder
	err := p.forEachLine(func(line string) bool {
		b.WriteString(line)
		b.WriteByte('\n')
		return true
	})
	return b.String(), err
}

// kill terminates the process group: SIGTERM immediately, SIGKILL
// after the grace period if the process is still alive. Closing the
// stdout read side unblocks forEachLine promptly.
func (p *process) kill(grace time.Duration) {
	if !p.killed.CompareAndSwap(false, true) {
		return
	}

	pg := -p.cmd.Process.Pid
	_ = syscall.Kill(pg, syscall.SIGTERM)
	_ = p.stdout.Close()

	go func() {
		select {
		case <-p.exited:
		case <-time.After(grace):
			_ = syscall.Kill(pg, syscall.SIGKILL)
		}
	}()
}

// killOnTimeout marks the kill as watchdog-initiated.
func (p *process) killOnTimeout(grace time.Duration) {
	p.timedOut.Store(true)
	p.kill(grace)
}

// watchdog kills the group when no stdout arrives within idle,
// checking every check. Slow but progressing work is never killed.
// Returns when stop is closed or the process exits.
func (p *process) watchdog(idle, check, grace time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-p.exited:
			return
		case <-ticker.C:
			if p.idleFor() > idle {
				p.killOnTimeout(grace)
				return
			}
		}
	}
}

// idleFor returns how long the process has produced no stdout.
func (p *process) idleFor() time.Duration {
	return time.Since(time.Unix(0, p.lastOut.Load()))
}

// wait joins the stderr drain and reaps the process. Returns the exit
// code, -1 when the process died on a signal.
func (p *process) wait() int {
	<-p.stderrDone

	err := p.cmd.Wait()
	p.exitOnce.Do(func() { close(p.exited) })

	if err == nil {
		return 0
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode()
	}
	return -1
}

// drainStderr keeps stdout from blocking on a full stderr pipe while
// retaining a bounded tail of recent lines.
func (p *process) drainStderr() {
	defer close(p.stderrDone)

	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(line) > p.lineLimit {
			line = line[:p.lineLimit]
		}

		p.stderrMu.Lock()
		p.stderrTail = append(p.stderrTail, line)
		if len(p.stderrTail) > p.tailLines {
			p.stderrTail = p.stderrTail[1:]
		}
		p.stderrMu.Unlock()
	}

	// An oversized line stops the scanner; keep consuming so the
	// child never blocks on a full stderr pipe.
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, p.stderr)
	}
}

// stderrLines returns a copy of the retained stderr tail.
func (p *process) stderrLines() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()

	if len(p.stderrTail) == 0 {
		return nil
	}
	out := make([]string, len(p.stderrTail))
	copy(out, p.stderrTail)
	return out
}
