package kernel

import (
	"context"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type spanCtxPair struct {
	span trace.Span
	ctx  context.Context
}

// RequestRuntime carries the per-request span stack. Handlers open a child
// span with NewChildTracer(...).Advance() and close it with EndBlock().
type RequestRuntime struct {
	AppRuntime *AppRuntime
	DB         *gorm.DB

	// ClientKey is the hash of the API key the caller authenticated with.
	ClientKey string

	RequestContext *gin.Context
	Span           trace.Span
	SpanContext    context.Context

	Error error

	pairs   []*spanCtxPair
	current int
}

func InitRequest(art *AppRuntime, rctx *gin.Context) *RequestRuntime {
	ctx := rctx.Request.Context()
	span, ctx := art.Diagnostic.BeginTracing(ctx, rctx.FullPath())

	log.Debug().Str("method", rctx.Request.Method).Str("uri", rctx.Request.RequestURI).Msg("initializing request")

	rt := &RequestRuntime{
		AppRuntime: art,
		DB:         art.DatabaseClient,

		RequestContext: rctx,
		Span:           span,
		SpanContext:    ctx,

		pairs: make([]*spanCtxPair, 0, 4),
	}
	rt.pairs = append(rt.pairs, &spanCtxPair{span: span, ctx: ctx})

	return rt
}

func (rt *RequestRuntime) NewChildTracer(spanName string) *RequestRuntime {
	ctx, span := rt.AppRuntime.Diagnostic.Tracer.Start(rt.SpanContext, spanName)
	log.Trace().Str("span", spanName).Str("span_id", span.SpanContext().SpanID().String()).Msg("child tracer")
	rt.PushTrace(span, ctx)
	return rt
}

// StepInto opens a child span and makes it current.
func (rt *RequestRuntime) StepInto(spanName string) *RequestRuntime {
	rt.NewChildTracer(spanName).Advance()
	return rt
}

func (rt *RequestRuntime) PushTrace(span trace.Span, ctx context.Context) {
	rt.pairs = append(rt.pairs, &spanCtxPair{span: span, ctx: ctx})
}

func (rt *RequestRuntime) Advance() {
	if rt.current+1 >= len(rt.pairs) {
		log.Warn().Int("current", rt.current).Msg("span stack: advancing out of bounds")
		return
	}
	rt.SkipOverTo(rt.current + 1)
}

func (rt *RequestRuntime) StepBack() {
	if rt.current == 0 {
		return
	}
	rt.SkipOverTo(rt.current - 1)
}

func (rt *RequestRuntime) SkipOverTo(index int) {
	if index < 0 || index >= len(rt.pairs) {
		log.Warn().Int("index", index).Int("size", len(rt.pairs)).Msg("span stack: skipping out of bounds")
		return
	}
	rt.current = index
	pair := rt.pairs[rt.current]
	rt.Span = pair.span
	rt.SpanContext = pair.ctx
}

// End closes the current span and removes it from the stack. The root span is
// only ended, it stays on the stack for the response attributes.
func (rt *RequestRuntime) End() *RequestRuntime {
	if !rt.Span.IsRecording() {
		return rt
	}
	rt.Span.End()
	if rt.current > 0 {
		rt.pairs = append(rt.pairs[:rt.current], rt.pairs[rt.current+1:]...)
	}
	return rt
}

func (rt *RequestRuntime) EndBlock() {
	rt.End().StepBack()
}

// Context is the context of the current span, bound to the request.
func (rt *RequestRuntime) Context() context.Context {
	return rt.SpanContext
}
