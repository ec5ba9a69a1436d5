package pebblejobs

import (
	"encoding/json"
	"strings"

	"github.com/google/cel-go/cel"
)

// jobFilter wraps a compiled CEL program evaluated against candidate jobs
// during fetch. When disabled, Eval always returns true. Operators use this
// to carve a slice of the queue out for one broker without touching the
// workers (e.g. "priority < 10 || json.kind == 'export'").
type jobFilter struct {
	prog    cel.Program
	enabled bool
}

func newJobFilter(expr string) (jobFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return jobFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("queue", cel.StringType),
		cel.Variable("priority", cel.IntType),
		// Parsed JSON payload (map/list/values) for field filtering
		cel.Variable("json", cel.DynType),
		cel.Variable("run_at_ms", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return jobFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return jobFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return jobFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return jobFilter{}, err
	}
	return jobFilter{prog: prog, enabled: true}, nil
}

// Eval evaluates the compiled expression against a job. When disabled, returns true.
func (f jobFilter) Eval(queue string, priority int, payload []byte, runAtMs, nowMs int64) bool {
	if !f.enabled {
		return true
	}
	var jsonObj any
	_ = json.Unmarshal(payload, &jsonObj)
	out, _, err := f.prog.Eval(map[string]any{
		"queue":     queue,
		"priority":  int64(priority),
		"json":      jsonObj,
		"run_at_ms": runAtMs,
		"now_ms":    nowMs,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
