package testutil

import (
	"context"
	"sync"

	"github.com/roach88/abhs/internal/ir"
)

// FakeResolver resolves scripts from an in-memory table keyed by path.
//
// Thread-safety: All methods are safe for concurrent use.
type FakeResolver struct {
	mu      sync.Mutex
	scripts map[string]ir.ScriptAsset
	errs    map[string]error
	calls   []string
}

// NewFakeResolver creates a resolver with no scripts.
func NewFakeResolver() *FakeResolver {
	return &FakeResolver{
		scripts: make(map[string]ir.ScriptAsset),
		errs:    make(map[string]error),
	}
}

// Add registers a script for path named after the path itself.
func (r *FakeResolver) Add(path string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[path] = ir.ScriptAsset{
		Name:     path,
		Source:   ir.ScriptSourceLocal,
		Location: path,
		Data:     data,
	}
}

// Fail makes resolution of path return err.
func (r *FakeResolver) Fail(path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[path] = err
}

// Resolve implements the engine's resolver contract: (nil, nil) when path
// has no script.
func (r *FakeResolver) Resolve(ctx context.Context, path string) (*ir.ScriptAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, path)

	if err, ok := r.errs[path]; ok {
		return nil, err
	}
	asset, ok := r.scripts[path]
	if !ok {
		return nil, nil
	}
	return &asset, nil
}

// Calls returns the resolved paths in order.
func (r *FakeResolver) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}
