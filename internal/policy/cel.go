package policy

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter/functions"
)

// CompiledRule wraps a pre-compiled CEL AST for repeated evaluation. If the
// expression uses action_count_in_window, a new cel.Program is built per
// evaluation to bind the function to the current ActionContext; otherwise
// the program is built once at compile time and reused.
type CompiledRule struct {
	Expression string
	ast        *cel.Ast
	program    cel.Program
	usesDynFn  bool
}

// CELEvaluator compiles and evaluates CEL expressions against ActionContext
// values. Expressions are compiled once at load time; evaluation itself is
// lock-free and safe for concurrent use.
type CELEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewCELEvaluator creates a CELEvaluator with the standard variable
// declarations available in policy conditions.
func NewCELEvaluator(logger *slog.Logger) (*CELEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("action.kind", cel.StringType),
		cel.Variable("action.target", cel.StringType),
		cel.Variable("action.params", cel.MapType(cel.StringType, cel.DynType)),

		cel.Variable("session.id", cel.StringType),
		cel.Variable("session.user_id", cel.StringType),
		cel.Variable("session.cost", cel.DoubleType),
		cel.Variable("session.action_count", cel.IntType),

		cel.Variable("agent.id", cel.StringType),
		cel.Variable("agent.name", cel.StringType),
		cel.Variable("agent.daily_cost", cel.DoubleType),

		cel.Variable("environment", cel.StringType),

		// action_count_in_window(actionKind, window) returns the number of
		// actions of the given kind within the sliding window, e.g. "60s".
		cel.Function("action_count_in_window",
			cel.Overload("action_count_in_window_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.IntType,
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEvaluator{env: env, logger: logger.With("component", "policy.CELEvaluator")}, nil
}

// CompileExpression parses and type-checks a CEL expression, returning a
// CompiledRule ready for evaluation. Call this at load time, not in the hot
// path.
func (c *CELEvaluator) CompileExpression(expr string) (CompiledRule, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledRule{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return CompiledRule{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	rule := CompiledRule{Expression: expr, ast: ast}

	usesDynFn := strings.Contains(expr, "action_count_in_window")
	if usesDynFn {
		rule.usesDynFn = true
	} else {
		prg, err := c.env.Program(ast)
		if err != nil {
			return CompiledRule{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
		}
		rule.program = prg
	}

	c.logger.Debug("compiled CEL expression", "expression", expr, "uses_dynamic_fn", usesDynFn)
	return rule, nil
}

// Evaluate runs a pre-compiled CEL rule against ctx. Returns true if the
// condition matches (the policy should fire).
func (c *CELEvaluator) Evaluate(rule CompiledRule, ctx ActionContext) (bool, error) {
	params := ctx.Action.Params
	if params == nil {
		params = map[string]interface{}{}
	}

	vars := map[string]interface{}{
		"action.kind":   ctx.Action.Kind,
		"action.target": ctx.Action.Target,
		"action.params": params,

		"session.id":           ctx.Session.ID,
		"session.user_id":      ctx.Session.UserID,
		"session.cost":         ctx.Session.Cost,
		"session.action_count": int64(ctx.Session.ActionCount),

		"agent.id":         ctx.Agent.ID,
		"agent.name":       ctx.Agent.Name,
		"agent.daily_cost": ctx.Agent.DailyCost,

		"environment": ctx.Environment,
	}

	var prg cel.Program
	if rule.usesDynFn {
		countFn := func(args ...ref.Val) ref.Val {
			if len(args) != 2 {
				return types.NewErr("action_count_in_window requires 2 arguments")
			}
			actionKind, ok1 := args[0].Value().(string)
			window, ok2 := args[1].Value().(string)
			if !ok1 || !ok2 {
				return types.NewErr("action_count_in_window arguments must be strings")
			}
			if ctx.Session.ActionCountByType == nil {
				return types.Int(0)
			}
			return types.Int(int64(ctx.Session.ActionCountByType(actionKind, window)))
		}

		var err error
		prg, err = c.env.Program(rule.ast,
			cel.Functions(&functions.Overload{
				Operator: "action_count_in_window_string_string",
				Function: countFn,
			}),
		)
		if err != nil {
			return false, fmt.Errorf("CEL program creation failed for %q: %w", rule.Expression, err)
		}
	} else {
		prg = rule.program
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", rule.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", rule.Expression, out.Value())
	}
	return result, nil
}
