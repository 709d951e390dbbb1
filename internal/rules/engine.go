// Package rules provides the CEL-Go engine for tenant-defined custom
// match rules. Custom rules are the pluggable confidence extension
// point: when a tenant configures them, the weighted rule blend replaces
// the default confidence = similarity mapping.
package rules

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-crm/shrike/internal/domain"
)

// Engine compiles and evaluates custom match rules. Compiled programs
// are cached by expression so tenants sharing a rule body share a
// program.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewEngine creates a new match-rule engine.
func NewEngine() (*Engine, error) {
	// CEL environment with the candidate pair variables
	env, err := cel.NewEnv(
		cel.Variable("source", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("target", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("similarity", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// ValidateRule compiles a rule without caching it, for config updates.
func (e *Engine) ValidateRule(rule domain.MatchRule) error {
	if rule.Expression == "" {
		return fmt.Errorf("%w: rule %s has an empty expression", domain.ErrInvalidInput, rule.ID)
	}
	if _, err := e.compile(rule.Expression); err != nil {
		return fmt.Errorf("%w: rule %s: %v", domain.ErrInvalidInput, rule.ID, err)
	}
	return nil
}

// Score evaluates the enabled rules against a candidate pair and
// returns the weighted blend in [0,1]. When no rule is evaluable the
// base similarity is returned unchanged.
func (e *Engine) Score(ruleSet []domain.MatchRule, source, target *domain.Record, similarity float64) float64 {
	activation := map[string]any{
		"source":     fieldMap(source),
		"target":     fieldMap(target),
		"similarity": similarity,
	}

	var total, totalWeight float64
	for _, rule := range ruleSet {
		if !rule.Enabled {
			continue
		}

		prog, err := e.program(rule.Expression)
		if err != nil {
			slog.Warn("skipping uncompilable match rule",
				"rule_id", rule.ID,
				"error", err,
			)
			continue
		}

		out, _, err := prog.Eval(activation)
		if err != nil {
			slog.Warn("match rule evaluation failed",
				"rule_id", rule.ID,
				"error", err,
			)
			continue
		}

		weight := rule.Weight
		if weight <= 0 {
			weight = 1.0
		}
		total += toScore(out) * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return similarity
	}

	blended := total / totalWeight
	if blended < 0 {
		return 0
	}
	if blended > 1 {
		return 1
	}
	return blended
}

// program returns a cached compiled program for the expression,
// compiling and caching it on first use.
func (e *Engine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

func (e *Engine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("expression must return bool, int, or double, got %s", outputType)
	}

	return e.env.Program(ast)
}

// RulesCount returns the number of cached compiled programs.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs = make(map[string]cel.Program)
	return nil
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

func fieldMap(rec *domain.Record) map[string]string {
	if rec == nil || rec.Fields == nil {
		return map[string]string{}
	}
	return rec.Fields
}
