// Package subprocess spawns and supervises a single child process in its own
// process group, with line-oriented output streaming and bounded capture.
package subprocess

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"foreman/internal/async"
	"foreman/internal/errors"
	"foreman/internal/logging"
)

const (
	// DefaultGracePeriod is the SIGTERM to SIGKILL escalation window.
	DefaultGracePeriod = 3 * time.Second

	// maxCaptureBytes bounds how much of each stream is retained in memory.
	maxCaptureBytes = 512 * 1024

	// killConfirmWindow is how long we wait for SIGKILL to take effect.
	killConfirmWindow = 2 * time.Second
)

// Config defines how to spawn and manage one child process.
type Config struct {
	Command     string
	Args        []string
	Env         map[string]string
	WorkingDir  string
	Stdin       string
	Tag         string
	Timeout     time.Duration
	GracePeriod time.Duration
	// Stream enables the Lines channel. Callers that set it must drain the
	// channel or the output pumps stall.
	Stream bool
}

// Line is one tagged output line from the child.
type Line struct {
	Tag    string    `json:"tag"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Result is the final outcome of a child process.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
	Duration  time.Duration
	Err       error
}

// Process is a running (or finished) child.
type Process struct {
	config Config
	logger logging.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	pgid      int
	startedAt time.Time
	waitErr   error

	stdout    bytes.Buffer
	stderr    bytes.Buffer
	truncated bool

	lines chan Line
	done  chan struct{}
}

// Start launches the child in a fresh process group so the whole tree can be
// signalled together.
func Start(ctx context.Context, config Config, logger logging.Logger) (*Process, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if config.Command == "" {
		return nil, errors.Validationf("subprocess command must not be empty")
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if config.Tag == "" {
		config.Tag = config.Command
	}

	p := &Process{
		config: config,
		logger: logging.OrNop(logger),
		done:   make(chan struct{}),
	}
	if config.Stream {
		p.lines = make(chan Line, 256)
	}

	cmd := exec.CommandContext(ctx, config.Command, config.Args...)
	if config.WorkingDir != "" {
		cmd.Dir = config.WorkingDir
	}
	if len(config.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range config.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindSpawnFailed, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindSpawnFailed, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindSpawnFailed, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, errors.KindSpawnFailed, "start %s", config.Command)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.startedAt = time.Now()
	if cmd.Process != nil {
		p.pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	}

	if config.Stdin != "" {
		if _, err := io.WriteString(stdin, config.Stdin); err != nil {
			p.logger.Warn("write stdin to %s: %v", config.Tag, err)
		}
		stdin.Close()
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	async.Go(p.logger, config.Tag+"-stdout-pump", func() {
		defer pumps.Done()
		p.pump(stdout, "stdout", &p.stdout)
	})
	async.Go(p.logger, config.Tag+"-stderr-pump", func() {
		defer pumps.Done()
		p.pump(stderr, "stderr", &p.stderr)
	})

	async.Go(p.logger, config.Tag+"-reaper", func() {
		pumps.Wait()
		if p.lines != nil {
			close(p.lines)
		}
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	})

	if config.Timeout > 0 {
		async.Go(p.logger, config.Tag+"-deadline", func() {
			timer := time.NewTimer(config.Timeout)
			defer timer.Stop()
			select {
			case <-timer.C:
				p.logger.Warn("%s exceeded %s timeout, stopping", config.Tag, config.Timeout)
				_ = p.Stop()
			case <-p.done:
			}
		})
	}

	return p, nil
}

// pump scans one pipe line by line, captures up to maxCaptureBytes and
// forwards tagged lines to the stream channel when streaming is on.
func (p *Process) pump(r io.Reader, stream string, capture *bytes.Buffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()

		p.mu.Lock()
		if capture.Len() < maxCaptureBytes {
			capture.WriteString(text)
			capture.WriteByte('\n')
		} else {
			p.truncated = true
		}
		p.mu.Unlock()

		if p.lines != nil {
			p.lines <- Line{Tag: p.config.Tag, Stream: stream, Text: text, At: time.Now()}
		}
	}
}

// PID returns the child's process id, or 0 before start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// Lines is the merged tagged output stream. Nil unless Config.Stream was set.
// The channel closes once both pipes reach EOF.
func (p *Process) Lines() <-chan Line { return p.lines }

// Write sends data to the child's stdin.
func (p *Process) Write(data []byte) error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return errors.Newf(errors.KindInternal, "stdin not available")
	}
	_, err := stdin.Write(data)
	return err
}

// CloseStdin signals end of input to the child.
func (p *Process) CloseStdin() error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return nil
	}
	return stdin.Close()
}

// Alive reports whether the child is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done closes when the child has exited and its output is fully drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the child exits and returns its captured outcome.
func (p *Process) Wait() Result {
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()

	result := Result{
		Stdout:    p.stdout.String(),
		Stderr:    p.stderr.String(),
		Truncated: p.truncated,
		Duration:  time.Since(p.startedAt),
	}
	if p.waitErr == nil {
		return result
	}

	var exitErr *exec.ExitError
	if stderrors.As(p.waitErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result
	}
	result.ExitCode = -1
	result.Err = p.waitErr
	return result
}

// Stop terminates the child: SIGTERM to the process group, then SIGKILL after
// the grace period. It returns KillFailed if the child survives both.
func (p *Process) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	pgid := p.pgid
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	if pgid == 0 {
		pgid = cmd.Process.Pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-p.done:
		return nil
	case <-time.After(p.config.GracePeriod):
	}

	p.logger.Warn("%s ignored SIGTERM for %s, escalating to SIGKILL", p.config.Tag, p.config.GracePeriod)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)

	select {
	case <-p.done:
		return nil
	case <-time.After(killConfirmWindow):
		return errors.Newf(errors.KindKillFailed, "process %d survived SIGKILL", cmd.Process.Pid)
	}
}
