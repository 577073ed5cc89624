package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"

	"github.com/openfroyo/fleet/pkg/types"
)

// ManifestParser parses and validates CUE fleet manifests.
type ManifestParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
}

// NewManifestParser creates a new manifest parser.
func NewManifestParser() *ManifestParser {
	ctx := cuecontext.New()
	return &ManifestParser{
		ctx:            ctx,
		schemaRegistry: newSchemaRegistry(ctx),
	}
}

// Parse parses the manifest from the given files and directories. Syntax and
// schema problems are reported in Manifest.Errors; the returned error is
// reserved for unreadable sources.
func (mp *ManifestParser) Parse(ctx context.Context, sources []string) (*Manifest, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var value cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = mp.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs = mp.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}

		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if value.Exists() {
				value = value.Unify(val)
			} else {
				value = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return &Manifest{SourceFiles: sourceFiles, ParsedAt: time.Now(), Errors: parseErrors}, nil
	}
	return mp.extract(value, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (mp *ManifestParser) ParseInline(ctx context.Context, content string) (*Manifest, error) {
	val := mp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &Manifest{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      convertCUEErrors(err),
		}, nil
	}
	return mp.extract(val, []string{"inline"}), nil
}

// SchemaRegistry returns the registry the parser validates against.
func (mp *ManifestParser) SchemaRegistry() *SchemaRegistry {
	return mp.schemaRegistry
}

func (mp *ManifestParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := mp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

func (mp *ManifestParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := mp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// extract checks val against the manifest schema and decodes it into domain types.
func (mp *ManifestParser) extract(val cue.Value, sourceFiles []string) *Manifest {
	manifest := &Manifest{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
		Peers:       []types.PeerDescriptor{},
		Clusters:    []types.ClusterConfiguration{},
		Deployments: []types.ClusterDeployment{},
	}

	schema, _ := mp.schemaRegistry.GetSchema(SchemaManifest)
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		manifest.Errors = convertCUEErrors(err)
		return manifest
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		manifest.Errors = convertCUEErrors(err)
		return manifest
	}

	var doc manifestDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		manifest.Errors = append(manifest.Errors, ValidationError{
			Message:  fmt.Sprintf("failed to decode manifest: %v", err),
			Severity: "error",
		})
		return manifest
	}

	for _, key := range sortedKeys(doc.Peers) {
		peer := doc.Peers[key]
		if err := peer.Validate(); err != nil {
			manifest.Errors = append(manifest.Errors, fieldError("peers."+key, err))
			continue
		}
		manifest.Peers = append(manifest.Peers, peer)
	}

	for _, key := range sortedKeys(doc.Clusters) {
		cluster := doc.Clusters[key]
		cluster.Normalize()
		if err := cluster.Validate(); err != nil {
			manifest.Errors = append(manifest.Errors, fieldError("clusters."+key, err))
			continue
		}
		manifest.Clusters = append(manifest.Clusters, cluster)
	}

	seen := make(map[types.ClusterID]bool, len(doc.Deployments))
	for i, deployment := range doc.Deployments {
		if seen[deployment.ID] {
			manifest.Errors = append(manifest.Errors,
				fieldError(fmt.Sprintf("deployments[%d]", i), fmt.Errorf("cluster <%s> is deployed twice", deployment.ID)))
			continue
		}
		seen[deployment.ID] = true
		manifest.Deployments = append(manifest.Deployments, deployment)
	}

	return manifest
}

func fieldError(path string, err error) ValidationError {
	return ValidationError{Path: path, Message: err.Error(), Severity: "error"}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}
	return validationErrors
}

