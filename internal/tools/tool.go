// Package tools implements schema-validated tool dispatch: the registry,
// the runner with read-only parallel fan-out, and the builtin tool set over
// the VFS.
package tools

import "context"

// Tool is one executable capability exposed to the agent.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns a JSON-Schema object describing the arguments.
	Parameters() map[string]interface{}
	// ReadOnly tools may be fanned out in parallel; mutating tools serialize
	// per session.
	ReadOnly() bool
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`  // content sent to the LLM
	IsError bool   `json:"is_error"` // marks error
	Async   bool   `json:"async"`    // running asynchronously
	Err     error  `json:"-"`        // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

type progressKey struct{}

// ProgressFunc receives completion percentage updates from long-running tools.
type ProgressFunc func(pct int)

// WithProgress attaches a progress reporter to the context.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress notifies the dispatcher's progress reporter, if any.
func ReportProgress(ctx context.Context, pct int) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(pct)
	}
}
