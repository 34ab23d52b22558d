package utils

import (
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxRecordedBody = 100

func SpanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func SpanErrf(span trace.Span, format string, args ...interface{}) error {
	return SpanErr(span, fmt.Errorf(format, args...))
}

// SpanHttpBody reads an unexpected response body, records it clipped on the
// span and returns it so the caller can classify the failure.
func SpanHttpBody(span trace.Span, rsp *http.Response) []byte {
	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		span.RecordError(fmt.Errorf("failed to read response body: %v", err))
		return nil
	}
	span.RecordError(fmt.Errorf("http request returned %d: %s", rsp.StatusCode, Clip(body)))
	span.SetStatus(codes.Error, rsp.Status)
	return body
}

func Clip(body []byte) string {
	if len(body) > maxRecordedBody {
		return string(body[:maxRecordedBody]) + "...(clipped)"
	}
	return string(body)
}
