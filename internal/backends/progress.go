package backends

import "context"

// ProgressCallback is used to stream incremental solver output.
type ProgressCallback func(chunk string)

// ctx key for passing ProgressCallback through context.
type ctxKey string

var CtxProgressKey ctxKey = "progress_cb"

// progress extracts the callback from ctx, or nil when none is attached.
func progress(ctx context.Context) ProgressCallback {
	if v := ctx.Value(CtxProgressKey); v != nil {
		if fn, ok := v.(ProgressCallback); ok {
			return fn
		}
	}
	return nil
}
