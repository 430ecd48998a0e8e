// Package policy gates findings against policy rules, records the resulting
// decisions and reports per-rule statistics.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/joshsymonds/sentinel/internal/clock"
	"github.com/joshsymonds/sentinel/internal/metrics"
	"github.com/joshsymonds/sentinel/internal/models"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

var tracer = otel.Tracer("sentinel.policy")

// Defaults for gate options.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultConcurrency = 4
	DefaultMaxAttempts = 3
)

// InactiveDetail is the detail attached to decisions on inactive rules.
const InactiveDetail = "rule is inactive"

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) {
		g.clock = c
	}
}

// WithTimeout bounds each evaluator call.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithConcurrency bounds how many rules EvaluateFinding runs at once.
func WithConcurrency(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.concurrency = n
		}
	}
}

// WithMaxAttempts sets how many conditional writes a rule update makes
// before giving up with a conflict.
func WithMaxAttempts(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithRateLimit caps evaluator calls per second across EvaluateFinding runs.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(g *Gate) {
		if perSecond <= 0 {
			g.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// Gate evaluates findings against policy rules.
type Gate struct {
	store       Store
	evaluator   Evaluator
	clock       clock.Clock
	logger      logger.Logger
	limiter     *rate.Limiter
	timeout     time.Duration
	concurrency int
	maxAttempts int
}

// NewGate creates a gate backed by store and evaluator.
func NewGate(store Store, evaluator Evaluator, opts ...Option) *Gate {
	g := &Gate{
		store:       store,
		evaluator:   evaluator,
		clock:       clock.Real{},
		logger:      logger.WithComponent("policy"),
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Result is the outcome of gating one finding against one rule.
type Result struct {
	// Violation is the recorded evaluation. It is nil for inactive rules and dry runs.
	Violation   *models.PolicyViolation `json:"violation,omitempty"`
	RuleID      string                  `json:"policy_rule_id"`
	RuleName    string                  `json:"policy_rule_name"`
	Decision    models.GateDecision     `json:"decision"`
	Detail      string                  `json:"detail,omitempty"`
	RuleVersion int                     `json:"rule_version"`
	Inactive    bool                    `json:"inactive,omitempty"`
}

// Evaluate gates a finding against one rule.
//
// An inactive rule yields Block without calling the evaluator or recording
// anything. For an active rule the evaluator's decision is recorded as a
// violation and the rule's counters advance in the same transaction. If the
// evaluator fails or times out, an EvaluatorFailure is returned and nothing
// is recorded.
func (g *Gate) Evaluate(ctx context.Context, ruleID string, finding models.Finding) (*Result, error) {
	if strings.TrimSpace(finding.ID) == "" {
		return nil, models.Validation("finding", "id is required")
	}

	rule, err := g.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	return g.evaluateRule(ctx, rule, finding, true)
}

// Test evaluates a finding against a rule without recording anything.
func (g *Gate) Test(ctx context.Context, ruleID string, finding models.Finding) (*Result, error) {
	rule, err := g.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	return g.evaluateRule(ctx, rule, finding, false)
}

func (g *Gate) evaluateRule(ctx context.Context, rule *models.PolicyRule, finding models.Finding, record bool) (*Result, error) {
	result := &Result{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		RuleVersion: rule.Version,
	}

	if !rule.Active {
		metrics.InactiveRuleEvaluations.Inc()
		result.Decision = models.DecisionBlock
		result.Detail = InactiveDetail
		result.Inactive = true
		g.logger.Debug("Rule inactive, blocking without evaluation",
			"rule_id", rule.ID,
			"finding_id", finding.ID)
		return result, nil
	}

	verdict, err := g.invoke(ctx, rule, finding)
	if err != nil {
		metrics.EvaluatorFailures.Inc()
		g.logger.Warn("Rule evaluation failed",
			"rule_id", rule.ID,
			"finding_id", finding.ID,
			"error", err)
		return nil, models.EvaluatorFailure(rule.ID, err)
	}
	result.Decision = verdict.Decision
	result.Detail = verdict.Detail

	if !record {
		return result, nil
	}

	v := &models.PolicyViolation{
		ID:          uuid.New().String(),
		FindingID:   finding.ID,
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		Decision:    verdict.Decision,
		Detail:      verdict.Detail,
		EvaluatedAt: g.clock.Now(),
	}
	if err := g.store.RecordEvaluation(ctx, v); err != nil {
		return nil, fmt.Errorf("recording evaluation of rule %s: %w", rule.ID, err)
	}
	result.Violation = v

	metrics.GateDecisions.WithLabelValues(string(v.Decision)).Inc()
	g.logger.Info("Finding gated",
		"rule_id", rule.ID,
		"rule_version", rule.Version,
		"finding_id", finding.ID,
		"decision", v.Decision)
	return result, nil
}

type evalOutcome struct {
	err     error
	verdict models.Verdict
}

// invoke calls the evaluator under the gate timeout. The call is abandoned
// when the deadline passes even if the evaluator ignores its context.
func (g *Gate) invoke(ctx context.Context, rule *models.PolicyRule, finding models.Finding) (models.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "policy.Evaluate",
		trace.WithAttributes(
			attribute.String("rule_id", rule.ID),
			attribute.Int("rule_version", rule.Version),
			attribute.String("finding_id", finding.ID),
		))
	defer span.End()

	start := time.Now()
	done := make(chan evalOutcome, 1)
	go func() {
		verdict, err := g.evaluator.Evaluate(ctx, rule.Body, finding)
		done <- evalOutcome{verdict: verdict, err: err}
	}()

	var out evalOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = fmt.Errorf("evaluator did not answer: %w", ctx.Err())
	}
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())

	if out.err == nil && !out.verdict.Decision.IsValid() {
		out.err = fmt.Errorf("evaluator returned unknown decision %q", out.verdict.Decision)
	}
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		return models.Verdict{}, out.err
	}

	span.SetAttributes(attribute.String("decision", string(out.verdict.Decision)))
	return out.verdict, nil
}

// FindingReport aggregates a finding's results across all active rules.
type FindingReport struct {
	FindingID string              `json:"finding_id"`
	Decision  models.GateDecision `json:"decision"`
	Results   []*Result           `json:"results"`
	Failed    []string            `json:"failed_rules,omitempty"`
}

// EvaluateFinding gates a finding against every active rule and aggregates
// the strictest decision. Rules whose evaluation fails are listed in
// Failed and their errors are joined into the returned error; they do not
// contribute a decision.
func (g *Gate) EvaluateFinding(ctx context.Context, finding models.Finding) (*FindingReport, error) {
	if strings.TrimSpace(finding.ID) == "" {
		return nil, models.Validation("finding", "id is required")
	}

	rules, err := g.store.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active rules: %w", err)
	}

	results := make([]*Result, len(rules))
	var (
		mu   sync.Mutex
		errs []error
	)

	var eg errgroup.Group
	eg.SetLimit(g.concurrency)
	for i, rule := range rules {
		eg.Go(func() error {
			if g.limiter != nil {
				if err := g.limiter.Wait(ctx); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
					mu.Unlock()
					return nil
				}
			}
			res, err := g.evaluateRule(ctx, rule, finding, true)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = eg.Wait()

	report := &FindingReport{
		FindingID: finding.ID,
		Decision:  models.DecisionPass,
		Results:   make([]*Result, 0, len(rules)),
	}
	for i, res := range results {
		if res == nil {
			report.Failed = append(report.Failed, rules[i].ID)
			continue
		}
		report.Results = append(report.Results, res)
		report.Decision = models.Stricter(report.Decision, res.Decision)
	}

	g.logger.Info("Finding evaluated against active rules",
		"finding_id", finding.ID,
		"rules", len(rules),
		"failed", len(report.Failed),
		"decision", report.Decision)
	return report, errors.Join(errs...)
}

// Statistics reports a rule's evaluation counters and pass rate.
func (g *Gate) Statistics(ctx context.Context, ruleID string) (*models.RuleStatistics, error) {
	stats, err := g.store.RuleStatistics(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	stats.PassRate = PassRate(stats.EvaluationCount, stats.ViolationsCount)
	return stats, nil
}

// Violations lists recorded evaluations, newest first.
func (g *Gate) Violations(ctx context.Context, filter models.ViolationFilter) ([]*models.PolicyViolation, error) {
	filter.Page = filter.Page.Normalize()
	return g.store.ListViolations(ctx, filter)
}

// PassRate returns the share of evaluations that were not violations.
// A rule that was never evaluated has a pass rate of 1.
func PassRate(evaluations, violations int64) float64 {
	if evaluations <= 0 {
		return 1
	}
	rate := float64(evaluations-violations) / float64(evaluations)
	switch {
	case rate < 0:
		return 0
	case rate > 1:
		return 1
	default:
		return rate
	}
}
