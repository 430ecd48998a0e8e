// Package evaluator runs policy rule bodies written as sandboxed Tengo scripts.
//
// A script sees the finding as the global map `finding` and reports its
// verdict by assigning the predeclared globals `decision` ("PASS", "WARN" or
// "BLOCK") and, optionally, `detail`:
//
//	if finding.severity == "critical" {
//	    decision = "BLOCK"
//	    detail = "critical findings are not allowed"
//	} else {
//	    decision = "PASS"
//	}
package evaluator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/joshsymonds/sentinel/internal/models"
)

// Language is the RuleBody language this evaluator accepts.
const Language = "tengo"

// DefaultMaxAllocs bounds the objects a single evaluation may allocate.
const DefaultMaxAllocs = 10_000_000

// DefaultCacheSize is how many compiled scripts are kept.
const DefaultCacheSize = 256

// NoBodyDetail is the detail returned for rules without source.
const NoBodyDetail = "rule has no body"

// safeModules are the only stdlib modules rule scripts may import.
var safeModules = stdlib.GetModuleMap("text", "math", "times")

type global struct {
	name  string
	value interface{}
}

// scriptGlobals are predeclared in every rule script.
var scriptGlobals = []global{
	{"finding", map[string]interface{}{}},
	{"decision", ""},
	{"detail", ""},
}

// ErrUnsupportedLanguage is returned for bodies not written in Tengo.
var ErrUnsupportedLanguage = errors.New("unsupported rule language")

// Option configures a Tengo evaluator.
type Option func(*Tengo)

// WithMaxAllocs overrides the allocation limit.
func WithMaxAllocs(n int64) Option {
	return func(t *Tengo) {
		if n > 0 {
			t.maxAllocs = n
		}
	}
}

// WithCacheSize bounds how many compiled scripts are kept. The least
// recently used script is evicted first.
func WithCacheSize(n int) Option {
	return func(t *Tengo) {
		if n > 0 {
			t.cacheSize = n
		}
	}
}

// Tengo evaluates rule bodies as Tengo scripts. Compiled scripts are cached
// by source hash and cloned per evaluation, so a Tengo is safe for
// concurrent use.
type Tengo struct {
	compiled  *lru.Cache[string, *tengo.Compiled]
	maxAllocs int64
	cacheSize int
}

// New creates a Tengo evaluator.
func New(opts ...Option) *Tengo {
	t := &Tengo{
		maxAllocs: DefaultMaxAllocs,
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	// lru.New only fails for a non-positive size.
	t.compiled, _ = lru.New[string, *tengo.Compiled](t.cacheSize)
	return t
}

// Evaluate runs body against finding.
func (t *Tengo) Evaluate(ctx context.Context, body models.RuleBody, finding models.Finding) (models.Verdict, error) {
	if lang := strings.ToLower(body.Language); lang != "" && lang != Language {
		return models.Verdict{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, body.Language)
	}
	if body.IsEmpty() {
		return models.Verdict{Decision: models.DecisionPass, Detail: NoBodyDetail}, nil
	}

	compiled, err := t.compile(body.Source)
	if err != nil {
		return models.Verdict{}, err
	}

	c := compiled.Clone()
	if err := c.Set("finding", findingMap(finding)); err != nil {
		return models.Verdict{}, fmt.Errorf("binding finding: %w", err)
	}
	if err := c.RunContext(ctx); err != nil {
		return models.Verdict{}, fmt.Errorf("running rule script: %w", err)
	}

	raw := c.Get("decision").String()
	decision, err := models.ParseGateDecision(raw)
	if err != nil {
		return models.Verdict{}, fmt.Errorf("rule script set decision %q: %w", raw, err)
	}

	verdict := models.Verdict{Decision: decision}
	if detail := c.Get("detail"); !detail.IsUndefined() {
		verdict.Detail = detail.String()
	}
	return verdict, nil
}

// Check compiles source and reports syntax errors without running it.
func (t *Tengo) Check(body models.RuleBody) error {
	if lang := strings.ToLower(body.Language); lang != "" && lang != Language {
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, body.Language)
	}
	if body.IsEmpty() {
		return nil
	}
	_, err := t.compile(body.Source)
	return err
}

func (t *Tengo) compile(source string) (*tengo.Compiled, error) {
	sum := sha256.Sum256([]byte(source))
	key := hex.EncodeToString(sum[:])

	if c, ok := t.compiled.Get(key); ok {
		return c, nil
	}

	script := tengo.NewScript([]byte(source))
	script.SetImports(safeModules)
	script.SetMaxAllocs(t.maxAllocs)
	if err := declare(script, scriptGlobals); err != nil {
		return nil, err
	}

	c, err := script.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling rule script: %w", err)
	}
	t.compiled.Add(key, c)
	return c, nil
}

func declare(script *tengo.Script, globals []global) error {
	for _, g := range globals {
		if err := script.Add(g.name, g.value); err != nil {
			return fmt.Errorf("declaring %s: %w", g.name, err)
		}
	}
	return nil
}

// findingMap converts a finding into values Tengo can import.
func findingMap(f models.Finding) map[string]interface{} {
	sources := make([]interface{}, len(f.ScannerSources))
	for i, s := range f.ScannerSources {
		sources[i] = s
	}
	metadata := make(map[string]interface{}, len(f.Metadata))
	for k, v := range f.Metadata {
		metadata[k] = v
	}
	return map[string]interface{}{
		"id":                 f.ID,
		"asset_id":           f.AssetID,
		"threat_id":          f.ThreatID,
		"vulnerability_type": f.VulnerabilityType,
		"cve_id":             f.CVEID,
		"severity":           f.Severity,
		"location":           f.Location,
		"status":             f.Status,
		"scanner_sources":    sources,
		"metadata":           metadata,
	}
}
