package pipeline

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// compileCondition compiles a boolean-valued condition expression. Compiled
// programs are cached so a repeatedly-hit endpoint doesn't recompile its
// expression on every request.
func compileCondition(exprStr string) (*vm.Program, error) {
	return conditionCache.get(exprStr)
}

// runCondition evaluates a compiled condition program against env, requiring
// a bool result (spec.md §12 supplemental condition gate).
func runCondition(prog *vm.Program, env map[string]any) (bool, error) {
	result, err := vm.Run(prog, env)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not evaluate to a boolean: %T", result)
	}
	return b, nil
}

type programCache struct {
	mu    sync.Mutex
	byKey map[string]*vm.Program
}

func (c *programCache) get(exprStr string) (*vm.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prog, ok := c.byKey[exprStr]; ok {
		return prog, nil
	}
	prog, err := expr.Compile(exprStr, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}
	c.byKey[exprStr] = prog
	return prog, nil
}

var conditionCache = &programCache{byKey: make(map[string]*vm.Program)}
