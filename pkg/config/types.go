package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/fleet/pkg/types"
)

// Manifest is the desired fleet state declared in CUE files.
type Manifest struct {
	// Peers are the declared peer descriptors, sorted by name.
	Peers []types.PeerDescriptor `json:"peers"`

	// Clusters are the declared cluster configurations, sorted by name.
	Clusters []types.ClusterConfiguration `json:"clusters"`

	// Deployments lists the clusters that should be deployed.
	Deployments []types.ClusterDeployment `json:"deployments"`

	// SourceFiles lists the files that were parsed.
	SourceFiles []string `json:"source_files"`

	ParsedAt time.Time `json:"parsed_at"`

	// Errors contains any validation errors encountered.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a manifest validation error with its location.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) Error() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// Err joins the validation errors of the manifest, or returns nil.
func (m *Manifest) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(m.Errors))
	for i, e := range m.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// manifestDocument is the JSON shape of a schema-checked manifest.
type manifestDocument struct {
	Peers       map[string]types.PeerDescriptor       `json:"peers"`
	Clusters    map[string]types.ClusterConfiguration `json:"clusters"`
	Deployments []types.ClusterDeployment             `json:"deployments"`
}
