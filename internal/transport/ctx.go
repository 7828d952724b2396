package transport

import "context"

type ctxKey string

const noRefreshKey ctxKey = "atelier.noRefresh"

// WithoutRefresh marks requests that are stamped but must not enter the 401
// refresh/expire lifecycle, e.g. the best-effort logout call.
func WithoutRefresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRefreshKey, true)
}

func refreshDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noRefreshKey).(bool)
	return v
}
