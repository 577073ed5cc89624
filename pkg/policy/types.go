package policy

import (
	"time"

	"github.com/openfroyo/fleet/pkg/types"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the deployment.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the Rego module. It must define a `deny` set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Resource is the id of the offending entity, if the policy names one.
	Resource string `json:"resource,omitempty"`
}

// Result represents the result of an admission evaluation.
type Result struct {
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and policies that failed to evaluate.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Messages returns the messages of the blocking violations.
func (r *Result) Messages() []string {
	messages := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		messages = append(messages, v.Message)
	}
	return messages
}

// Input is the document policies are evaluated against.
type Input struct {
	Cluster ClusterInput `json:"cluster"`
	Peers   []PeerInput  `json:"peers"`
	Context Context      `json:"context"`
}

// ClusterInput is the policy view of a cluster configuration.
type ClusterInput struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Leader  string   `json:"leader"`
	Devices []string `json:"devices"`
}

// PeerInput is the policy view of a peer descriptor.
type PeerInput struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Location string        `json:"location"`
	Devices  []DeviceInput `json:"devices"`
}

// DeviceInput is the policy view of a device.
type DeviceInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Context describes the evaluation.
type Context struct {
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// NewInput builds the admission input for a cluster and its member peers.
func NewInput(cluster types.ClusterConfiguration, peers []types.PeerDescriptor) Input {
	input := Input{
		Cluster: ClusterInput{
			ID:      cluster.ID.String(),
			Name:    cluster.Name.String(),
			Leader:  cluster.Leader.String(),
			Devices: make([]string, 0, len(cluster.Devices)),
		},
		Peers:   make([]PeerInput, 0, len(peers)),
		Context: Context{Operation: "deploy", Timestamp: time.Now().UTC()},
	}
	for _, device := range cluster.Devices {
		input.Cluster.Devices = append(input.Cluster.Devices, device.String())
	}
	for _, peer := range peers {
		p := PeerInput{
			ID:       peer.ID.String(),
			Name:     peer.Name.String(),
			Location: peer.Location,
			Devices:  make([]DeviceInput, 0, len(peer.Topology.Devices)),
		}
		for _, device := range peer.Topology.Devices {
			p.Devices = append(p.Devices, DeviceInput{ID: device.ID.String(), Name: device.Name})
		}
		input.Peers = append(input.Peers, p)
	}
	return input
}

// Bundle is a versioned collection of policies stored as one JSON file.
type Bundle struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Policies []Policy `json:"policies"`
}
