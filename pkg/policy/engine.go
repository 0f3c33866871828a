package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/opentundra/opentundra/pkg/engine"
)

// Engine compiles and evaluates Rego policies. It implements
// engine.PolicyEngine.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	log      zerolog.Logger
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine with the built-in policies compiled in.
func NewEngine(log zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		log:      log.With().Str("component", "policy").Logger(),
	}

	for _, p := range BuiltinPolicies() {
		if err := e.compile(context.Background(), p); err != nil {
			return nil, fmt.Errorf("compile built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// EvaluateConfig checks every resource in the stack against all enabled
// policies.
func (e *Engine) EvaluateConfig(ctx context.Context, config *engine.StackConfig) (*engine.PolicyResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &engine.PolicyResult{Allowed: true}

	for i := range config.Resources {
		res := &config.Resources[i]
		input := Input{
			Resource: res,
			Config:   decodeConfig(res.Config),
			Context: &Context{
				Stack:       config.Name,
				Environment: config.Environment,
				Region:      config.Region,
				Operation:   "validate",
				Timestamp:   time.Now(),
			},
		}
		e.evaluateAll(ctx, input, result)
	}

	result.EvaluatedAt = time.Now()
	result.Allowed = len(result.Violations) == 0
	return result, nil
}

// EvaluatePlan checks a change set against all enabled policies.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan) (*engine.PolicyResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := Input{
		Plan: plan,
		Context: &Context{
			Stack:       plan.Stack,
			Environment: planEnvironment(plan),
			Operation:   "plan",
			Timestamp:   time.Now(),
		},
	}

	result := &engine.PolicyResult{Allowed: true}
	e.evaluateAll(ctx, input, result)

	result.EvaluatedAt = time.Now()
	result.Allowed = len(result.Violations) == 0

	e.log.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Msg("plan policy evaluation completed")
	return result, nil
}

// LoadPolicies compiles additional .rego files from the given paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.log)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range policies {
		if err := e.compile(ctx, p); err != nil {
			return fmt.Errorf("compile policy %s: %w", p.Name, err)
		}
	}

	e.log.Info().Int("count", len(policies)).Msg("policies loaded")
	return nil
}

// ListPolicies returns all compiled policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetEnabled toggles a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return engine.NewPermanentError(fmt.Sprintf("policy not found: %s", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	cp.policy.Enabled = enabled
	return nil
}

// evaluateAll runs every enabled policy against one input, folding the
// outcome into result. Evaluation errors become warnings, never failures.
func (e *Engine) evaluateAll(ctx context.Context, input Input, result *engine.PolicyResult) {
	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluate(ctx, cp, input)
		if err != nil {
			e.log.Error().Err(err).Str("policy", cp.policy.Name).Msg("policy evaluation failed")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}

		for _, v := range violations {
			if Severity(v.Severity).Blocking() {
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%s: %s", v.Policy, v.Message))
			}
		}
	}
}

// evaluate runs one prepared deny query.
func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, input Input) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []engine.PolicyViolation
	for _, r := range results {
		for _, expr := range r.Expressions {
			denies, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denies {
				violations = append(violations, e.toViolation(cp.policy, d, input))
			}
		}
	}
	return violations, nil
}

// toViolation converts one deny result into a violation, letting the rule
// override severity and resource.
func (e *Engine) toViolation(p Policy, deny interface{}, input Input) engine.PolicyViolation {
	v := engine.PolicyViolation{
		Policy:   p.Name,
		Severity: string(p.Severity),
	}
	if input.Resource != nil {
		v.ResourceID = input.Resource.ID
	}

	switch d := deny.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = sev
		}
		if res, ok := d["resource"].(string); ok {
			v.ResourceID = res
		}
	default:
		v.Message = fmt.Sprintf("%v", deny)
	}
	return v
}

// compile prepares the policy's deny query for repeated evaluation.
func (e *Engine) compile(ctx context.Context, p Policy) error {
	query := fmt.Sprintf("data.%s.deny", packageName(p.Rego))

	prepared, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return err
	}

	e.policies[p.Name] = &compiledPolicy{policy: p, query: prepared}
	return nil
}

// packageName pulls the package declaration out of Rego source.
func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			return strings.Fields(trimmed)[1]
		}
	}
	return "opentundra.policies"
}

func decodeConfig(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func planEnvironment(plan *engine.Plan) string {
	if env, ok := plan.Metadata["environment"].(string); ok {
		return env
	}
	return ""
}
