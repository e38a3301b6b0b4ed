package checks

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

const maxExpressionLength = 1024

// expectations compiles expect expressions once and caches the programs.
// An expression sees the measured value as `value`.
type expectations struct {
	mu       sync.RWMutex
	compiled map[string]*vm.Program
}

var expects = &expectations{compiled: make(map[string]*vm.Program)}

func expectEnv(value int64) map[string]interface{} {
	return map[string]interface{}{"value": value}
}

func (e *expectations) compile(expression string) (*vm.Program, error) {
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("expect exceeds maximum length of %d characters", maxExpressionLength)
	}

	e.mu.RLock()
	prog, ok := e.compiled[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression, expr.Env(expectEnv(0)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expect %q: %w", expression, err)
	}
	e.mu.Lock()
	e.compiled[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// holds reports whether value satisfies expression.
func (e *expectations) holds(expression string, value int64) (bool, error) {
	prog, err := e.compile(expression)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(prog, expectEnv(value))
	if err != nil {
		return false, fmt.Errorf("evaluate expect %q: %w", expression, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}
