package kernel

import (
	"fmt"
	"github.com/gin-gonic/gin"
	"go.nhat.io/otelsql/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// MakeError records err on the current span and closes it. The root span is
// left open for the middleware.
func (rt *RequestRuntime) MakeError(err error) error {
	s := rt.Span
	s.RecordError(err)
	s.SetStatus(codes.Error, err.Error())
	rt.Error = err
	if rt.current > 0 {
		rt.EndBlock()
	}
	return err
}

func (rt *RequestRuntime) MakeErrorf(format string, args ...interface{}) error {
	return rt.MakeError(fmt.Errorf(format, args...))
}

// E aborts the request with {"error", "traceId"}. err's message is sent to
// the client as is, so it must not carry upstream details.
func (rt *RequestRuntime) E(code int, err error) *RequestRuntime {
	rt.AppRuntime.Diagnostic.ErrorCounter.Add(rt.SpanContext, 1,
		metric.WithAttributes(attribute.KeyValue("http.status_code", code)))
	rt.RequestContext.AbortWithStatusJSON(code, &gin.H{
		"error":   rt.MakeError(err).Error(),
		"traceId": rt.Span.SpanContext().TraceID().String(),
	})
	return rt
}

func (rt *RequestRuntime) Ef(code int, format string, args ...interface{}) *RequestRuntime {
	return rt.E(code, fmt.Errorf(format, args...))
}

// EJSON aborts like E but merges extra fields into the body.
func (rt *RequestRuntime) EJSON(code int, err error, extra gin.H) *RequestRuntime {
	rt.AppRuntime.Diagnostic.ErrorCounter.Add(rt.SpanContext, 1,
		metric.WithAttributes(attribute.KeyValue("http.status_code", code)))
	body := gin.H{
		"error":   rt.MakeError(err).Error(),
		"traceId": rt.Span.SpanContext().TraceID().String(),
	}
	for k, v := range extra {
		body[k] = v
	}
	rt.RequestContext.AbortWithStatusJSON(code, body)
	return rt
}
