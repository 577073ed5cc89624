package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/types"
)

// CommandRunner runs a command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecCommand runs commands on the host.
func ExecCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.Bytes(), nil
}

// ExecutorManager tracks the executors started on this peer. It is owned by
// the apply pipeline.
type ExecutorManager struct {
	mu      sync.Mutex
	running map[types.ExecutorID]types.ExecutorDescriptor
	run     CommandRunner
	logger  *telemetry.Logger
}

// NewExecutorManager creates a manager using run to drive container engines.
// A nil runner uses ExecCommand.
func NewExecutorManager(run CommandRunner, tel *telemetry.Telemetry) *ExecutorManager {
	if run == nil {
		run = ExecCommand
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &ExecutorManager{
		running: make(map[types.ExecutorID]types.ExecutorDescriptor),
		run:     run,
		logger:  tel.Logger.NewComponentLogger("executors"),
	}
}

// IsRunning reports whether the executor was started and not stopped since.
func (m *ExecutorManager) IsRunning(id types.ExecutorID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// Running returns the ids of all running executors, sorted.
func (m *ExecutorManager) Running() []types.ExecutorID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]types.ExecutorID, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Start launches the executor. Starting a running executor is a no-op.
func (m *ExecutorManager) Start(ctx context.Context, descriptor types.ExecutorDescriptor) error {
	if m.IsRunning(descriptor.ID) {
		return nil
	}

	switch descriptor.Kind.Type {
	case types.ExecutorExecutable:
		m.logger.WithField("executor", descriptor.ID.String()).Info("Executable executor registered")
	case types.ExecutorContainer:
		spec := descriptor.Kind.Container
		if spec == nil {
			return fmt.Errorf("executor <%s> has no container specification", descriptor.ID)
		}
		// A leftover container of a previous agent run would block the name.
		_, _ = m.run(ctx, spec.Engine.CommandName(), "rm", "--force", ContainerName(descriptor))
		if _, err := m.run(ctx, spec.Engine.CommandName(), containerRunArgs(descriptor)...); err != nil {
			return fmt.Errorf("failed to start executor <%s>: %w", descriptor.ID, err)
		}
		m.logger.WithField("executor", descriptor.ID.String()).Infof("Started container '%s'", ContainerName(descriptor))
	default:
		return fmt.Errorf("executor <%s> has unknown kind '%s'", descriptor.ID, descriptor.Kind.Type)
	}

	m.mu.Lock()
	m.running[descriptor.ID] = descriptor
	m.mu.Unlock()
	return nil
}

// Stop terminates the executor. Stopping an unknown executor is a no-op.
func (m *ExecutorManager) Stop(ctx context.Context, id types.ExecutorID) error {
	m.mu.Lock()
	descriptor, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if descriptor.Kind.Type == types.ExecutorContainer && descriptor.Kind.Container != nil {
		engine := descriptor.Kind.Container.Engine.CommandName()
		if _, err := m.run(ctx, engine, "rm", "--force", ContainerName(descriptor)); err != nil {
			return fmt.Errorf("failed to stop executor <%s>: %w", id, err)
		}
	}

	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()
	m.logger.WithField("executor", id.String()).Info("Executor stopped")
	return nil
}

// StopAll terminates every running executor and returns the first error.
func (m *ExecutorManager) StopAll(ctx context.Context) error {
	var firstErr error
	for _, id := range m.Running() {
		if err := m.Stop(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ContainerName returns the configured container name or one derived from the executor id.
func ContainerName(descriptor types.ExecutorDescriptor) string {
	if c := descriptor.Kind.Container; c != nil && c.Name != "" {
		return c.Name
	}
	return "fleet-" + descriptor.ID.String()
}

func containerRunArgs(descriptor types.ExecutorDescriptor) []string {
	spec := descriptor.Kind.Container
	args := []string{"run", "--detach", "--name", ContainerName(descriptor)}
	for _, volume := range spec.Volumes {
		args = append(args, "--volume", volume)
	}
	for _, device := range spec.Devices {
		args = append(args, "--device", device)
	}
	for _, env := range spec.Envs {
		args = append(args, "--env", env.Name+"="+env.Value)
	}
	if descriptor.ResultsURL != "" {
		args = append(args, "--env", "FLEET_RESULTS_URL="+descriptor.ResultsURL)
	}
	for _, port := range spec.Ports {
		args = append(args, "--publish", port)
	}
	if spec.Command != "" {
		args = append(args, "--entrypoint", spec.Command)
	}
	args = append(args, spec.Image)
	return append(args, spec.Args...)
}
