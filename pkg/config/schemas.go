package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Built-in schema names.
const (
	SchemaManifest         = "manifest"
	SchemaPeer             = "peer"
	SchemaCluster          = "cluster"
	SchemaDeployment       = "deployment"
	SchemaNetworkInterface = "network_interface"
	SchemaDevice           = "device"
	SchemaExecutor         = "executor"
)

var builtinDefinitions = map[string]string{
	SchemaManifest:         "#Manifest",
	SchemaPeer:             "#Peer",
	SchemaCluster:          "#Cluster",
	SchemaDeployment:       "#Deployment",
	SchemaNetworkInterface: "#NetworkInterface",
	SchemaDevice:           "#Device",
	SchemaExecutor:         "#Executor",
}

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in manifest schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

// newSchemaRegistry binds the registry to ctx. Values of different contexts
// cannot be unified, so the manifest parser shares its context.
func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	root := ctx.CompileString(manifestSchema, cue.Filename("manifest_schema.cue"))
	if err := root.Err(); err != nil {
		panic(fmt.Sprintf("built-in manifest schema does not compile: %v", err))
	}
	for name, definition := range builtinDefinitions {
		sr.schemas[name] = root.LookupPath(cue.ParsePath(definition))
	}
	return sr
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	_, err := sr.unify(schemaName, dataVal)
	return err
}

// unify applies the named schema to val and returns the concrete result.
func (sr *SchemaRegistry) unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, fmt.Errorf("validation failed: %w", err)
	}
	return unified, nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const manifestSchema = `
import "strings"

#UUID: string & =~"^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"

// Peer and cluster names.
#Name: string & =~"^[A-Za-z0-9]([A-Za-z0-9_-]*[A-Za-z0-9])?$" & strings.MaxRunes(64)

// Kernel interface names are limited to 15 bytes.
#InterfaceName: string & strings.MinRunes(1) & strings.MaxRunes(15) & !~"[/: \t\n]"

#CAN: {
	bitrate:            int & >0
	sample_point:       number & >=0 & <=1
	fd:                 *false | bool
	data_bitrate:       *0 | int & >=0
	data_sample_point:  *0 | number & >=0 & <=1
}

#NetworkInterface: {
	id:            #UUID
	name:          #InterfaceName
	configuration: *{type: "ethernet"} | {type: "can", can: #CAN}
}

#Device: {
	id:           #UUID
	name:         string & strings.MinRunes(1)
	description?: string
	interface:    #UUID
}

#Container: {
	engine:    *"docker" | "podman"
	name?:     string & strings.MinRunes(2) & strings.MaxRunes(60)
	image:     string & strings.MinRunes(1)
	volumes?:  [...string]
	devices?:  [...string]
	envs?:     [...{name: string & strings.MinRunes(1), value: string}]
	ports?:    [...string]
	command?:  string
	args?:     [...string]
}

#Executor: {
	id:           #UUID
	results_url?: string
	kind:         {type: "executable"} | {type: "container", container: #Container}
}

#Peer: {
	id:        #UUID
	name:      #Name
	location?: string
	network: {
		interfaces:   *[] | [...#NetworkInterface]
		bridge_name?: #InterfaceName
	}
	topology: devices: *[] | [...#Device]
	executors: *[] | [...#Executor]
}

#Cluster: {
	id:      #UUID
	name:    #Name
	leader:  #UUID
	devices: [...#UUID]
}

#Deployment: {
	id: #UUID
}

#Manifest: {
	peers?: [N=string]:    #Peer & {name: *N | #Name}
	clusters?: [N=string]: #Cluster & {name: *N | #Name}
	deployments?: [...#Deployment]
}
`
