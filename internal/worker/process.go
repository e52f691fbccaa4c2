package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// defaultStopTimeout is how long Close waits for the process to exit on
// its own
const defaultStopTimeout = 2 * time.Second

// Process runs the handler in a child process speaking length-prefixed
// msgpack frames over stdin and stdout. Requests are served one at a time.
type Process struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger

	stopTimeout time.Duration

	// mu serializes requests over the single stdin/stdout pair
	mu      sync.Mutex
	wg      sync.WaitGroup
	exited  chan struct{}
	waitErr error
}

var _ Worker = (*Process)(nil)

// StartProcess launches binary with args and wires its pipes
func StartProcess(binary string, args []string, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(binary, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// io.Pipe rather than StdoutPipe: Wait then finishes copying before
	// the read side sees EOF, so no frame is lost when the child exits.
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	p := &Process{
		id:     fmt.Sprintf("%s[%d]", binary, cmd.Process.Pid),
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		logger: logger,
		exited: make(chan struct{}),

		stopTimeout: defaultStopTimeout,
	}

	p.wg.Add(1)
	go p.logStderr(stderr)

	go func() {
		p.waitErr = cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		close(p.exited)
		if p.waitErr != nil {
			p.logger.Error("worker process exited", "worker_id", p.id, "error", p.waitErr)
		}
	}()

	logger.Info("worker process started", "worker_id", p.id)
	return p, nil
}

// logStderr relays the child's log lines, keeping their level
func (p *Process) logStderr(stderr io.Reader) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "ERR"):
			p.logger.Error("worker process error", "worker_id", p.id, "log", line)
		case strings.Contains(line, "WRN"):
			p.logger.Warn("worker process warning", "worker_id", p.id, "log", line)
		default:
			p.logger.Debug("worker process log", "worker_id", p.id, "log", line)
		}
	}
}

func (p *Process) Post(ctx context.Context, req *Request) (<-chan Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	select {
	case <-p.exited:
		p.mu.Unlock()
		return nil, fmt.Errorf("worker process %s is not running", p.id)
	default:
	}

	// Write with a watchdog so a hung child cannot block forever.
	writeErr := make(chan error, 1)
	go func() { writeErr <- WriteFrame(p.stdin, req) }()
	select {
	case err := <-writeErr:
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
	case <-ctx.Done():
		p.mu.Unlock()
		return nil, ctx.Err()
	case <-p.exited:
		p.mu.Unlock()
		return nil, fmt.Errorf("worker process %s exited", p.id)
	}

	replies := make(chan Response, 8)
	go func() {
		defer p.mu.Unlock()
		defer close(replies)

		// Once the caller is gone the remaining replies are read and
		// dropped, so the next request starts on a frame boundary.
		delivering := true
		for {
			var resp Response
			if err := ReadFrame(p.stdout, &resp); err != nil {
				if delivering {
					p.send(ctx, replies, Failure(fmt.Errorf("worker process %s: %w", p.id, err)))
				}
				return
			}
			if err := resp.Validate(); err != nil {
				if delivering {
					p.send(ctx, replies, Failure(fmt.Errorf("invalid reply from worker: %w", err)))
				}
				return
			}
			if delivering {
				delivering = p.send(ctx, replies, &resp)
			}
			if resp.Type == TypeDone || resp.Type == TypeError {
				return
			}
		}
	}()
	return replies, nil
}

func (p *Process) send(ctx context.Context, replies chan<- Response, r *Response) bool {
	select {
	case replies <- *r:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close ends the child: stdin is closed so it exits on its own, and it is
// killed if it has not exited in time
func (p *Process) Close() error {
	p.stdin.Close()

	select {
	case <-p.exited:
	case <-time.After(p.stopTimeout):
		p.logger.Warn("worker process did not exit, killing", "worker_id", p.id)
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("killing worker process: %w", err)
		}
		<-p.exited
	}
	p.wg.Wait()
	p.logger.Info("worker process stopped", "worker_id", p.id)
	return nil
}
