package server

import (
	"context"
	"net/http"

	"github.com/GoCodeAlone/taskyard/engine"
)

type contextKey int

const ctxKeyCaller contextKey = 0

func contextWithCaller(ctx context.Context, c engine.Caller) context.Context {
	return context.WithValue(ctx, ctxKeyCaller, c)
}

// CallerFrom returns the caller the auth middleware attached to ctx.
func CallerFrom(ctx context.Context) (engine.Caller, bool) {
	c, ok := ctx.Value(ctxKeyCaller).(engine.Caller)
	return c, ok
}

func requestCaller(r *http.Request) engine.Caller {
	c, _ := CallerFrom(r.Context())
	return c
}
