package policy

import (
	"context"

	"github.com/joshsymonds/sentinel/internal/models"
)

// Evaluator interprets a rule body against a finding. The gate never looks
// inside the body; it hands it over verbatim.
type Evaluator interface {
	Evaluate(ctx context.Context, body models.RuleBody, finding models.Finding) (models.Verdict, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, body models.RuleBody, finding models.Finding) (models.Verdict, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, body models.RuleBody, finding models.Finding) (models.Verdict, error) {
	return f(ctx, body, finding)
}
