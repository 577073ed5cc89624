package types

import (
	"fmt"
	"strings"
)

// ExecutorKindType distinguishes plain executables from containers.
type ExecutorKindType string

const (
	ExecutorExecutable ExecutorKindType = "executable"
	ExecutorContainer  ExecutorKindType = "container"
)

// ContainerEngine is the runtime used to start container executors.
type ContainerEngine string

const (
	EngineDocker ContainerEngine = "docker"
	EnginePodman ContainerEngine = "podman"
)

// CommandName returns the binary that drives the engine.
func (e ContainerEngine) CommandName() string { return string(e) }

// Container name bounds.
const (
	ContainerNameMinLength = 2
	ContainerNameMaxLength = 60
)

// EnvironmentVariable is a name/value pair passed into a container.
type EnvironmentVariable struct {
	Name  string `json:"name" cbor:"name"`
	Value string `json:"value" cbor:"value"`
}

// ContainerSpec describes a container executor.
type ContainerSpec struct {
	Engine  ContainerEngine       `json:"engine" cbor:"engine"`
	Name    string                `json:"name,omitempty" cbor:"name,omitempty"`
	Image   string                `json:"image" cbor:"image"`
	Volumes []string              `json:"volumes,omitempty" cbor:"volumes,omitempty"`
	Devices []string              `json:"devices,omitempty" cbor:"devices,omitempty"`
	Envs    []EnvironmentVariable `json:"envs,omitempty" cbor:"envs,omitempty"`
	Ports   []string              `json:"ports,omitempty" cbor:"ports,omitempty"`
	Command string                `json:"command,omitempty" cbor:"command,omitempty"`
	Args    []string              `json:"args,omitempty" cbor:"args,omitempty"`
}

// ExecutorKind holds the variant of an executor. Container is set only for containers.
type ExecutorKind struct {
	Type      ExecutorKindType `json:"type" cbor:"type"`
	Container *ContainerSpec   `json:"container,omitempty" cbor:"container,omitempty"`
}

// ExecutorDescriptor describes a workload started on a peer.
type ExecutorDescriptor struct {
	ID         ExecutorID   `json:"id" cbor:"id"`
	Kind       ExecutorKind `json:"kind" cbor:"kind"`
	ResultsURL string       `json:"results_url,omitempty" cbor:"results_url,omitempty"`
}

// Validate checks the executor variant.
func (e ExecutorDescriptor) Validate() error {
	switch e.Kind.Type {
	case ExecutorExecutable:
		return nil
	case ExecutorContainer:
		c := e.Kind.Container
		if c == nil {
			return fmt.Errorf("container executor <%s> has no container specification", e.ID)
		}
		if c.Engine != EngineDocker && c.Engine != EnginePodman {
			return fmt.Errorf("container executor <%s> has unknown engine '%s'", e.ID, c.Engine)
		}
		if strings.TrimSpace(c.Image) == "" {
			return fmt.Errorf("container executor <%s> has no image", e.ID)
		}
		if c.Name != "" {
			if len(c.Name) < ContainerNameMinLength || len(c.Name) > ContainerNameMaxLength {
				return fmt.Errorf("container name '%s' must be between %d and %d characters",
					c.Name, ContainerNameMinLength, ContainerNameMaxLength)
			}
			for _, r := range c.Name {
				if !validNameCharacter(r) {
					return fmt.Errorf("container name '%s' contains invalid characters", c.Name)
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("executor <%s> has unknown kind '%s'", e.ID, e.Kind.Type)
	}
}
