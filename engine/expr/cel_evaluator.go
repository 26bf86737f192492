// Package expr implements the deterministic condition-expression evaluator
// used by the workflow executor's conditional tasks.
package expr

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

const (
	defaultCostLimit = uint64(1000)
	defaultCacheSize = int64(1000)
	programCacheCost = 1
)

// CELEvaluator compiles and runs CEL expressions over a workflow's task
// outputs. Compiled programs are cached by expression text so repeated
// evaluation of the same condition (e.g. across loop iterations) skips
// recompilation.
type CELEvaluator struct {
	env          *cel.Env
	costLimit    uint64
	programCache *ristretto.Cache[string, cel.Program]
}

// Option configures a CELEvaluator.
type Option func(*celOptions)

type celOptions struct {
	costLimit uint64
	cacheSize int64
}

// WithCostLimit bounds the evaluation cost (CEL's internal cost estimator)
// a single Evaluate call may consume before aborting.
func WithCostLimit(limit uint64) Option {
	return func(o *celOptions) { o.costLimit = limit }
}

// WithCacheSize bounds the number of compiled programs retained in the
// evaluator's cache.
func WithCacheSize(size int64) Option {
	return func(o *celOptions) { o.cacheSize = size }
}

// NewCELEvaluator builds a CELEvaluator. The environment declares two
// top-level dynamic variables: "tasks" (a map of task name to that task's
// recorded output) and "vars" (workflow-scoped trigger/context variables),
// so conditions read as e.g. `tasks.extract_data.row_count > 0`.
func NewCELEvaluator(opts ...Option) (*CELEvaluator, error) {
	cfg := celOptions{costLimit: defaultCostLimit, cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	env, err := cel.NewEnv(
		cel.Variable("tasks", cel.DynType),
		cel.Variable("vars", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: creating cel environment: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, cel.Program]{
		NumCounters: cfg.cacheSize * 10,
		MaxCost:     cfg.cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("expr: creating program cache: %w", err)
	}

	return &CELEvaluator{
		env:          env,
		costLimit:    cfg.costLimit,
		programCache: cache,
	}, nil
}

// ValidateExpression compiles expression without evaluating it, surfacing
// parse/check errors up front (used at workflow-task registration time).
func (e *CELEvaluator) ValidateExpression(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *CELEvaluator) compile(expression string) (cel.Program, error) {
	if prg, ok := e.programCache.Get(expression); ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expr: compilation error: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expr: expression must evaluate to a boolean, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast, cel.CostLimit(e.costLimit), cel.EvalOptions(cel.OptExhaustiveEval))
	if err != nil {
		return nil, fmt.Errorf("expr: program construction error: %w", err)
	}
	e.programCache.Set(expression, prg, programCacheCost)
	e.programCache.Wait()
	return prg, nil
}

// Evaluate compiles (or fetches from cache) expression and runs it against
// data, a map expected to hold "tasks" and/or "vars" keys. It returns an
// error if ctx is already done, the expression fails to compile, evaluation
// errors (missing field, type mismatch, exceeded cost), or the result is not
// a boolean.
func (e *CELEvaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("expr: context error: %w", err)
	}

	prg, err := e.compile(expression)
	if err != nil {
		return false, err
	}

	vars := map[string]any{
		"tasks": valueOrEmptyMap(data["tasks"]),
		"vars":  valueOrEmptyMap(data["vars"]),
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: evaluation error: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("expr: context error: %w", err)
	}

	boolVal, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expr: expression did not return a boolean, got %s", refTypeName(out))
	}
	return bool(boolVal), nil
}

func valueOrEmptyMap(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

func refTypeName(v ref.Val) string {
	if v == nil {
		return "<nil>"
	}
	return v.Type().TypeName()
}
