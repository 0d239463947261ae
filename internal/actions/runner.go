package actions

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Runner abstracts process execution so handlers can be tested without
// touching the host.
type Runner interface {
	// Run executes a command to completion under the given timeout.
	Run(timeout time.Duration, name string, args ...string) error
	// Start launches a command without waiting for it to finish. It fails
	// fast when the executable cannot be found or started.
	Start(name string, args ...string) error
}

// execRunner is the os/exec-backed Runner used outside tests.
type execRunner struct{}

func (execRunner) Run(timeout time.Duration, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := exec.CommandContext(ctx, name, args...).Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out after %s", name, timeout)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (execRunner) Start(name string, args ...string) error {
	path, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("locating %s: %w", name, err)
	}

	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}
	// Reap the child when it eventually exits.
	go cmd.Wait()
	return nil
}
