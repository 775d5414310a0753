package health

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
)

// ExecChecker runs a command and reports health based on its exit code. If
// ContainerID is set, the command runs inside that container's exec
// namespace via the runtime adapter; otherwise it runs as a host process,
// which is only useful in tests.
type ExecChecker struct {
	Command []string
	Timeout time.Duration

	ContainerID string
	Adapter     runtime.Adapter
}

// NewExecChecker creates a host-process exec checker.
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// Check runs Command and reports Healthy=true iff it exits zero.
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{Healthy: false, Message: "no command specified", CheckedAt: start, Duration: time.Since(start)}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	if e.ContainerID != "" {
		return e.checkInContainer(execCtx, start)
	}
	return e.checkOnHost(execCtx, start)
}

func (e *ExecChecker) checkInContainer(ctx context.Context, start time.Time) Result {
	if e.Adapter == nil {
		return Result{Healthy: false, Message: "no runtime adapter configured", CheckedAt: start, Duration: time.Since(start)}
	}

	handle, err := e.Adapter.ExecCreate(ctx, e.ContainerID, e.Command, false, nil, "")
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("exec_create failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	streams, err := e.Adapter.ExecStart(ctx, handle)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("exec_start failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}

	var stderr bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range streams.Stderr {
			stderr.Write(chunk)
		}
	}()
	go func() {
		for range streams.Stdout {
			// discard stdout, only exit code and stderr matter for a health probe
		}
	}()

	exitCode, err := streams.Wait(ctx)
	<-done

	if err != nil && err != io.EOF {
		return Result{Healthy: false, Message: fmt.Sprintf("exec wait failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	if exitCode != 0 {
		msg := fmt.Sprintf("command exited %d", exitCode)
		if stderr.Len() > 0 {
			msg = fmt.Sprintf("%s: %s", msg, stderr.String())
		}
		return Result{Healthy: false, Message: msg, CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, Message: "exit 0", CheckedAt: start, Duration: time.Since(start)}
}

func (e *ExecChecker) checkOnHost(ctx context.Context, start time.Time) Result {
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	message := fmt.Sprintf("command: %v", e.Command)
	if err != nil {
		message = fmt.Sprintf("%s, error: %v", message, err)
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s, stderr: %s", message, stderr.String())
		}
		return Result{Healthy: false, Message: message, CheckedAt: start, Duration: time.Since(start)}
	}

	if stdout.Len() > 0 {
		output := stdout.String()
		if len(output) > 100 {
			output = output[:100] + "..."
		}
		message = fmt.Sprintf("%s, output: %s", message, output)
	}
	return Result{Healthy: true, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

// Type returns the health check type.
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout.
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

// WithContainer configures the checker to run Command inside containerID
// via adapter instead of on the host.
func (e *ExecChecker) WithContainer(containerID string, adapter runtime.Adapter) *ExecChecker {
	e.ContainerID = containerID
	e.Adapter = adapter
	return e
}
