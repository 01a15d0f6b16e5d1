// Boolean expression language used by rule conditions and tracking stop conditions.
//
// Expressions are comparisons (=== !== == != > < >= <=) between literals and dotted variable
// paths, combined with && and || and grouped with parentheses. && binds tighter than ||. A bare
// operand is judged by truthiness. Missing paths resolve to undefined, and ordering comparisons
// involving undefined, null, or booleans are false.
package condition

import (
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultCacheSize = 1024

var evalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_condition_errors_total",
	Help: "Number of condition expressions which failed to parse or evaluate",
}, []string{"stage"})

// A parsed expression, safe for concurrent use.
type Program struct {
	expr string
	root node
}

func (p *Program) String() string {
	return p.expr
}

func (p *Program) Eval(vars map[string]any) bool {
	return truthy(p.root.eval(vars))
}

type Evaluator struct {
	logger *slog.Logger
	cache  *lru.Cache[string, *Program]
}

func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, *Program](defaultCacheSize)
	if err != nil {
		panic(err)
	}
	return &Evaluator{
		logger: logger.With("component", "condition"),
		cache:  cache,
	}
}

// Parses an expression, returning a descriptive error for malformed input.
func (e *Evaluator) Compile(expr string) (*Program, error) {
	if prog, ok := e.cache.Get(expr); ok {
		return prog, nil
	}
	root, err := parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing condition %q: %w", expr, err)
	}
	prog := &Program{expr: expr, root: root}
	e.cache.Add(expr, prog)
	return prog, nil
}

// Evaluates an expression against vars. Never panics: malformed input is logged and evaluates to false.
func (e *Evaluator) Evaluate(expr string, vars map[string]any) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			evalErrors.WithLabelValues("eval").Inc()
			e.logger.Error("condition evaluation panic", "expr", expr, "err", r)
			result = false
		}
	}()
	prog, err := e.Compile(expr)
	if err != nil {
		evalErrors.WithLabelValues("parse").Inc()
		e.logger.Warn("invalid condition expression", "expr", expr, "err", err)
		return false
	}
	return prog.Eval(vars)
}
