package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/fleet/pkg/types"
)

// Engine compiles and evaluates admission policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	builtin  map[string]struct{}
	logger   zerolog.Logger
	loader   *Loader
}

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		builtin:  make(map[string]struct{}),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(logger)

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// Admit evaluates all enabled policies for the deployment of cluster and
// returns the messages of the blocking violations.
func (e *Engine) Admit(ctx context.Context, cluster types.ClusterConfiguration, peers []types.PeerDescriptor) ([]string, error) {
	result, err := e.Evaluate(ctx, NewInput(cluster, peers))
	if err != nil {
		return nil, err
	}
	return result.Messages(), nil
}

// Evaluate runs every enabled policy against input. Policies failing to
// evaluate are reported as warnings and do not block.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Result, error) {
	start := time.Now()

	document, err := toDocument(input)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, document)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   name,
				Message:  fmt.Sprintf("policy %s evaluation failed: %v", name, err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("cluster_id", input.Cluster.ID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Admission evaluation completed")

	return result, nil
}

// toDocument converts input into the plain JSON value OPA evaluates.
func toDocument(input Input) (interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var document interface{}
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return document, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, document interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(document))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

func createViolation(policy *Policy, value interface{}) Violation {
	violation := Violation{Policy: policy.Name, Severity: policy.Severity}

	switch v := value.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok && sev != "" {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", value)
	}
	return violation
}

// compile parses policy and prepares the query of its deny set.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModuleWithOpts(policy.Name, policy.Rego, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
		e.builtin[builtins[i].Name] = struct{}{}
	}

	e.logger.Info().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return nil
}

// LoadPolicies compiles the policies found under paths and adds them to the
// engine. Nothing is added if one of them fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.addPolicies(ctx, policies, false)
}

// ReplacePolicies swaps all loaded policies for the given ones. Built-in
// policies are kept.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	return e.addPolicies(ctx, policies, true)
}

func (e *Engine) addPolicies(ctx context.Context, policies []Policy, replace bool) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		if _, isBuiltin := e.builtin[policies[i].Name]; isBuiltin {
			return fmt.Errorf("policy %s shadows a built-in policy", policies[i].Name)
		}
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).Str("policy", policies[i].Name).Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if replace {
		for name := range e.policies {
			if _, isBuiltin := e.builtin[name]; !isBuiltin {
				delete(e.policies, name)
			}
		}
	}
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")
	return nil
}

// Watch loads the policies under paths and reloads them whenever they change,
// until ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return err
	}
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}
