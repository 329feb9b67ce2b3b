// Package process starts a plugin backend as a child process wired to pipes.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Options configures a forked process.
type Options struct {
	// Args are passed to the executable after its path.
	Args []string
	// Env is appended to the current environment.
	Env []string
	// Stderr receives the child's stderr. Defaults to os.Stderr.
	// Stdout carries the protocol, so the two are never merged.
	Stderr io.Writer
}

// Process is a running child with its protocol pipes.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// Fork starts path with the given options.
func Fork(path string, opts Options) (*Process, error) {
	cmd := exec.Command(path, opts.Args...) // #nosec G204 -- path comes from the caller's own configuration
	cmd.Env = append(os.Environ(), opts.Env...)
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	// cmd.StdoutPipe would be closed by Wait, racing the protocol reader
	// for the final frames; an explicit pipe stays open until drained.
	stdout, stdoutWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutWriter

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stdoutWriter.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	stdoutWriter.Close()

	return &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}, nil
}

// Stdin is the writer connected to the child's stdin.
func (p *Process) Stdin() io.Writer {
	return p.stdin
}

// Stdout is the reader connected to the child's stdout.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Wait blocks until the child exits. It is safe to call from several goroutines.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.waitErr = fmt.Errorf("process exited with error: %w", err)
		}
		close(p.done)
	})
	<-p.done
	return p.waitErr
}

// Done is closed once Wait has observed the exit.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Close closes stdin, which a well-behaved backend treats as end of session,
// then kills the child if it is still running.
func (p *Process) Close() error {
	var errs []error
	if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
	}

	select {
	case <-p.done:
	default:
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("failed to kill process: %w", err))
		}
	}

	if err := p.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
	}
	return errors.Join(errs...)
}
