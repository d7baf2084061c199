package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
)

// RulesEngine compiles and evaluates CEL boolean expressions against a
// candidate document, backing the FilterExpr leaf (see filter.go). It
// caches compiled programs by source text so a repeated Filter.Expr call
// (e.g. inside a hot Find loop) does not re-parse the expression.
type RulesEngine struct {
	env      *cel.Env
	prgCache sync.Map // map[string]cel.Program
}

// NewRulesEngine builds a RulesEngine whose environment exposes a single
// `resource` variable: the candidate document, flattened to a
// map[string]interface{} by filter.go's documentToPlainMap.
func NewRulesEngine() (*RulesEngine, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("resource", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
	if err != nil {
		return nil, err
	}
	return &RulesEngine{env: env}, nil
}

// Evaluate compiles (or reuses a cached compilation of) expression and runs
// it against ctx, requiring a boolean result.
func (re *RulesEngine) Evaluate(expression string, ctx map[string]interface{}) (bool, error) {
	if expression == "" {
		return false, nil
	}

	var prg cel.Program
	if val, ok := re.prgCache.Load(expression); ok {
		prg = val.(cel.Program)
	} else {
		ast, issues := re.env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return false, fmt.Errorf("compile error: %s", issues.Err())
		}
		p, err := re.env.Program(ast)
		if err != nil {
			return false, fmt.Errorf("program construction error: %s", err)
		}
		prg = p
		re.prgCache.Store(expression, prg)
	}

	out, _, err := prg.Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("eval error: %s", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean", expression)
	}
	return result, nil
}
