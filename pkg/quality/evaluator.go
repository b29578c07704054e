package quality

import (
	"fmt"
	"sync"

	"github.com/jmespath/go-jmespath"
)

// Evaluator compiles and caches JMESPath rule expressions. Descriptor rule
// sets are small and stable, so compiled expressions are reused across
// batches.
type Evaluator struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

// NewEvaluator creates a new expression evaluator
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*jmespath.JMESPath),
	}
}

// EvaluateBool evaluates a rule expression against the attribute map and
// reports truthiness. A nil result is falsy.
func (e *Evaluator) EvaluateBool(expression string, data any) (bool, error) {
	compiled, err := e.getOrCompile(expression)
	if err != nil {
		return false, fmt.Errorf("invalid expression %q: %w", expression, err)
	}

	result, err := compiled.Search(data)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}

	if result == nil {
		return false, nil
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case string:
		return v != "", nil
	case float64:
		return v != 0, nil
	case []interface{}:
		return len(v) > 0, nil
	case map[string]interface{}:
		return len(v) > 0, nil
	default:
		return true, nil
	}
}

// Validate checks if an expression is valid
func (e *Evaluator) Validate(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *Evaluator) getOrCompile(expression string) (*jmespath.JMESPath, error) {
	e.mu.RLock()
	if compiled, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return compiled, nil
	}
	e.mu.RUnlock()

	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = compiled
	e.mu.Unlock()

	return compiled, nil
}
