package graph

import (
	"context"
	"runtime"
	"strings"
	"sync"
)

type scopeKey struct{}

// txScope binds at most one open transaction to a logical caller. It travels
// in the context so nested calls made with a derived context find it.
type txScope struct {
	mu sync.Mutex
	tx *Transaction
}

func scopeFrom(ctx context.Context) *txScope {
	sc, _ := ctx.Value(scopeKey{}).(*txScope)
	return sc
}

// WithoutTransaction returns a context that carries no transaction, so the
// next BeginTransaction opens an independent unit of work.
func WithoutTransaction(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, (*txScope)(nil))
}

// callerName returns the function skip frames above its caller, trimmed to
// the package-qualified name.
func callerName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
