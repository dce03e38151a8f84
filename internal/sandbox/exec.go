package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/odysseyml/odyssey/internal/logging"
	"github.com/odysseyml/odyssey/pkg/types"
)

// RunCommand starts cmd, pumps its output through a bounded collector,
// and enforces the policy timeout. The command runs in its own process
// group so a timeout kills the whole tree. A nonzero exit code is
// reported in the result, not as an error; TimedOut marks deadline
// kills.
//
// Providers build the cmd (plain argv for local, bwrap or docker argv
// for the isolating variants) and share this run loop.
func RunCommand(ctx context.Context, cmd *exec.Cmd, spec *types.CommandSpec, limits types.Limits, sink StreamSink) (*types.CommandResult, error) {
	timeout := limits.Timeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	if len(spec.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	collector := NewOutputCollector(limits.MaxOutputBytes, sink)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	pgid := cmd.Process.Pid

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Negative pid signals the whole process group.
			if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				logging.Warn("failed to kill process group",
					logging.Int("pgid", pgid),
					logging.Err(err),
				)
			}
		case <-done:
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		return pump(stdout, collector, types.StreamStdout)
	})
	g.Go(func() error {
		return pump(stderr, collector, types.StreamStderr)
	})
	pumpErr := g.Wait()

	waitErr := cmd.Wait()
	close(done)

	result := &types.CommandResult{
		Stdout:    collector.Stdout(),
		Stderr:    collector.Stderr(),
		Truncated: collector.Truncated(),
		Duration:  time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, waitErr
	}
	if pumpErr != nil {
		return nil, pumpErr
	}

	result.ExitCode = 0
	return result, nil
}

func pump(r io.Reader, collector *OutputCollector, stream types.ExecStream) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			collector.Write(stream, buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// The pipe closes when the process group is killed.
			return nil
		}
	}
}
