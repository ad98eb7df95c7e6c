package policy

import "testing"

func mustNewCELEvaluator(t *testing.T) *CELEvaluator {
	t.Helper()
	eval, err := NewCELEvaluator(nil)
	if err != nil {
		t.Fatalf("NewCELEvaluator() error: %v", err)
	}
	return eval
}

func TestCELEvaluator_CompileValidExpression(t *testing.T) {
	eval := mustNewCELEvaluator(t)

	tests := []struct {
		name string
		expr string
	}{
		{"action kind check", `action.kind == "block_ip"`},
		{"session cost check", `session.cost > 10.0`},
		{"action count check", `session.action_count > 100`},
		{"combined conditions", `action.kind == "rate_limit_user" && session.cost > 5.0`},
		{"agent name check", `agent.name == "test-agent"`},
		{"string contains", `action.target.contains("10.0.0")`},
		{"or condition", `action.kind == "block_ip" || action.kind == "isolate_agent"`},
		{"negation", `!(action.kind == "allow_through")`},
		{"environment check", `environment == "production"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := eval.CompileExpression(tt.expr)
			if err != nil {
				t.Fatalf("CompileExpression(%q) error: %v", tt.expr, err)
			}
			if rule.Expression != tt.expr {
				t.Errorf("rule.Expression = %q, want %q", rule.Expression, tt.expr)
			}
		})
	}
}

func TestCELEvaluator_CompileInvalidExpression(t *testing.T) {
	eval := mustNewCELEvaluator(t)

	tests := []struct {
		name string
		expr string
	}{
		{"syntax error", `action.kind ==`},
		{"unknown variable", `unknown.field == "x"`},
		{"non-bool result", `session.cost + 1.0`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eval.CompileExpression(tt.expr); err == nil {
				t.Errorf("CompileExpression(%q) expected error, got nil", tt.expr)
			}
		})
	}
}

func TestCELEvaluator_EvaluateAgentDailyCost(t *testing.T) {
	eval := mustNewCELEvaluator(t)

	rule, err := eval.CompileExpression(`agent.daily_cost > 100.0`)
	if err != nil {
		t.Fatalf("CompileExpression error: %v", err)
	}

	tests := []struct {
		name      string
		dailyCost float64
		want      bool
	}{
		{"over threshold", 150.0, true},
		{"exactly at threshold", 100.0, false},
		{"under threshold", 50.0, false},
		{"zero", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ActionContext{
				Action:  ActionInfo{Kind: "rate_limit_user", Params: map[string]interface{}{}},
				Session: SessionInfo{ID: "sess-1"},
				Agent:   AgentInfo{ID: "agent-1", Name: "agent", DailyCost: tt.dailyCost},
			}

			result, err := eval.Evaluate(rule, ctx)
			if err != nil {
				t.Fatalf("Evaluate error: %v", err)
			}
			if result != tt.want {
				t.Errorf("Evaluate(daily_cost=%f) = %v, want %v", tt.dailyCost, result, tt.want)
			}
		})
	}
}

func TestCELEvaluator_ActionCountInWindow(t *testing.T) {
	eval := mustNewCELEvaluator(t)

	rule, err := eval.CompileExpression(`action_count_in_window("rate_limit_user", "60s") > 5`)
	if err != nil {
		t.Fatalf("CompileExpression error: %v", err)
	}
	if !rule.usesDynFn {
		t.Error("expected usesDynFn=true for expression using action_count_in_window")
	}

	tests := []struct {
		name  string
		count int
		want  bool
	}{
		{"over threshold", 10, true},
		{"at threshold", 5, false},
		{"under threshold", 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ActionContext{
				Action: ActionInfo{Kind: "rate_limit_user", Params: map[string]interface{}{}},
				Session: SessionInfo{
					ID: "sess-1",
					ActionCountByType: func(kind, window string) int {
						return tt.count
					},
				},
				Agent: AgentInfo{ID: "agent-1"},
			}

			result, err := eval.Evaluate(rule, ctx)
			if err != nil {
				t.Fatalf("Evaluate error: %v", err)
			}
			if result != tt.want {
				t.Errorf("Evaluate(count=%d) = %v, want %v", tt.count, result, tt.want)
			}
		})
	}
}

func TestCELEvaluator_ActionCountInWindowNilCallback(t *testing.T) {
	eval := mustNewCELEvaluator(t)

	rule, err := eval.CompileExpression(`action_count_in_window("block_ip", "60s") > 100`)
	if err != nil {
		t.Fatalf("CompileExpression error: %v", err)
	}

	ctx := ActionContext{
		Action:  ActionInfo{Kind: "block_ip"},
		Session: SessionInfo{ID: "sess-1", ActionCountByType: nil},
	}

	result, err := eval.Evaluate(rule, ctx)
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if result {
		t.Error("expected false when ActionCountByType is nil (treated as 0)")
	}
}
