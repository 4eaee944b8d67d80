package backend

import "context"

// Func adapts an ordinary function into an in-process Backend. It is used by
// the test server and for library callers that enrich without a subprocess.
type Func struct {
	Name string
	Fn   func(ctx context.Context, spec TaskSpec) (TaskResult, error)
}

// Compile-time interface satisfaction check.
var _ Backend = (*Func)(nil)

// Execute calls Fn.
func (f *Func) Execute(ctx context.Context, spec TaskSpec) (TaskResult, error) {
	return f.Fn(ctx, spec)
}

// Capabilities reports an in-process backend.
func (f *Func) Capabilities() Capabilities {
	return Capabilities{
		Name:        f.Name,
		Description: "in-process function",
		Isolation:   "none",
	}
}

// Cleanup is a no-op; Func holds no per-worker resources.
func (f *Func) Cleanup(context.Context, string) error { return nil }
