package middleware

import (
	"bytes"
	"github.com/Angel-Anselmo/NestPay-sub000/kernel"
	"github.com/Angel-Anselmo/NestPay-sub000/utils"
	"github.com/gin-gonic/gin"
	"go.nhat.io/otelsql/attribute"
	"go.opentelemetry.io/otel/metric"
	"io"
)

// TracerMiddleware opens the request runtime and stores it under "rt".
func TracerMiddleware(art *kernel.AppRuntime) gin.HandlerFunc {
	return func(c *gin.Context) {
		rt := kernel.InitRequest(art, c)

		rt.Span.SetAttributes(
			attribute.KeyValue("http.method", c.Request.Method),
			attribute.KeyValue("http.route", c.FullPath()),
			attribute.KeyValue("http.host", c.Request.Host),
		)

		if c.Request.Body != nil && c.Request.ContentLength != 0 {
			bodyBytes, _ := c.GetRawData()
			rt.Span.SetAttributes(attribute.KeyValue("http.request_body", utils.Clip(bodyBytes)))
			c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		art.Diagnostic.RequestCounter.Add(rt.SpanContext, 1,
			metric.WithAttributes(attribute.KeyValue("http.method", c.Request.Method)),
		)

		c.Set("rt", rt)
		c.Next()

		rt.SkipOverTo(0)
		rt.Span.SetAttributes(attribute.KeyValue("http.status_code", c.Writer.Status()))
		rt.End()
	}
}
