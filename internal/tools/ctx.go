package tools

import (
	"context"

	"github.com/tamias-dev/tamias/internal/providers"
)

// Context keys inject per-call facts into Execute instead of mutable setter
// fields, keeping tool instances safe for concurrent sessions.

type toolContextKey string

const (
	ctxSessionID   toolContextKey = "tool_session_id"
	ctxDebug       toolContextKey = "tool_debug"
	ctxMediaImages toolContextKey = "tool_media_images"
)

// WithSessionID tags the context with the calling session.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxSessionID, id)
}

// SessionIDFromCtx returns the calling session id, or "".
func SessionIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionID).(string)
	return v
}

// WithDebug marks the call as running under verbose mode.
func WithDebug(ctx context.Context, debug bool) context.Context {
	return context.WithValue(ctx, ctxDebug, debug)
}

// DebugFromCtx reports whether verbose mode is active for this call.
func DebugFromCtx(ctx context.Context) bool {
	v, _ := ctx.Value(ctxDebug).(bool)
	return v
}

// WithMediaImages carries the current message's image attachments so vision
// tools can reach them.
func WithMediaImages(ctx context.Context, images []providers.ImageContent) context.Context {
	return context.WithValue(ctx, ctxMediaImages, images)
}

// MediaImagesFromCtx returns the attached images, or nil.
func MediaImagesFromCtx(ctx context.Context) []providers.ImageContent {
	v, _ := ctx.Value(ctxMediaImages).([]providers.ImageContent)
	return v
}
