package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/dustin/go-humanize"
)

// maxFrameBytes bounds a single line-delimited frame from the worker.
const maxFrameBytes = 64 << 20

// Process is a worker running as a child process. Frames are exchanged as
// one JSON array per line on the child's stdin/stdout; stderr lines are
// logged.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan []byte
	errs   chan error

	writeMu   sync.Mutex
	terminate sync.Once
	done      chan struct{}
}

// StartProcess launches the worker command.
// The process is killed when ctx is cancelled.
func StartProcess(ctx context.Context, name string, args ...string) (*Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %q: %w", name, err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		frames: make(chan []byte, 64),
		errs:   make(chan error, 16),
		done:   make(chan struct{}),
	}

	slog.Info("worker started", "command", name, "pid", cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readFrames(stdout)
	}()
	go func() {
		defer readers.Done()
		p.readStderr(stderr)
	}()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		if err != nil {
			p.reportError(fmt.Errorf("worker exited: %w", err))
		}
		slog.Info("worker process exited", "pid", cmd.Process.Pid, "error", err)
		close(p.frames)
		close(p.done)
	}()

	return p, nil
}

// Post writes one frame followed by a newline.
func (p *Process) Post(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	if _, err := p.stdin.Write(buf); err != nil {
		return fmt.Errorf("post to worker: %w", err)
	}
	return nil
}

// Frames returns frames read from the worker's stdout.
// Closed after the process exits.
func (p *Process) Frames() <-chan []byte {
	return p.frames
}

// Errors returns worker runtime errors (non-zero exit, unreadable output).
func (p *Process) Errors() <-chan error {
	return p.errs
}

// Done is closed after the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Terminate closes stdin and kills the process.
func (p *Process) Terminate() error {
	var err error
	p.terminate.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = fmt.Errorf("kill worker: %w", kerr)
			}
		}
	})
	return err
}

func (p *Process) readFrames(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		p.frames <- frame
	}
	if err := scanner.Err(); err != nil {
		p.reportError(fmt.Errorf("read worker output (frame limit %s): %w",
			humanize.IBytes(maxFrameBytes), err))
	}
}

func (p *Process) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Debug("worker stderr", "line", scanner.Text())
	}
}

func (p *Process) reportError(err error) {
	select {
	case p.errs <- err:
	default:
		slog.Warn("worker error dropped", "error", err)
	}
}
