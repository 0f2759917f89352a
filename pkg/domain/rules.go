package domain

import "context"

// RuleView is the state a rule reads: the transaction's pending snapshot.
type RuleView = TransactionView

// Rule checks the pending changes of a transaction before it commits. A
// blocking violation in the returned Result aborts the commit.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine runs every registered rule against each commit.
type RulesEngine struct {
	rules []Rule
}

func NewRulesEngine(rules ...Rule) *RulesEngine {
	return &RulesEngine{rules: rules}
}

func (e *RulesEngine) Register(rule Rule) { e.rules = append(e.rules, rule) }

// Rules lists rule names in evaluation order.
func (e *RulesEngine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Evaluate merges the results of all rules. The first rule error stops
// evaluation.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var out Result
	for _, r := range e.rules {
		res, err := r.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, err
		}
		out.Merge(res)
	}
	return out, nil
}
