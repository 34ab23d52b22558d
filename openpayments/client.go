package openpayments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Angel-Anselmo/NestPay-sub000/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultTimeout = 30 * time.Second

// HTTPRequestDoer defines the Do method of the http.Client interface.
type HTTPRequestDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Credentials identify the client instance making a request: its wallet
// address and the key registered on it.
type Credentials struct {
	WalletAddress string
	Signer        *Signer
}

type Client struct {
	doer       HTTPRequestDoer
	timeout    time.Duration
	strictMode bool
	tracer     trace.Tracer
}

type Option func(*Client)

func WithHTTPClient(doer HTTPRequestDoer) Option {
	return func(c *Client) { c.doer = doer }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.timeout = timeout }
}

// WithStrictMode rejects every request that is not over HTTPS.
func WithStrictMode(strict bool) Option {
	return func(c *Client) { c.strictMode = strict }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		timeout: DefaultTimeout,
		tracer:  otel.Tracer("openpayments"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.doer == nil {
		c.doer = &http.Client{}
	}
	return c
}

// statusError is an unexpected HTTP status from a remote server.
type statusError struct {
	StatusCode int
	Body       []byte
}

func (e statusError) Error() string {
	return fmt.Sprintf("server returned HTTP %d: %s", e.StatusCode, utils.Clip(e.Body))
}

var errMalformedResponse = errors.New("malformed response")

type request struct {
	op       string
	method   string
	url      string
	body     any
	token    string
	creds    *Credentials
	expected []int
}

// do executes one bounded call. It returns a transport error, a statusError
// or a decode error wrapping errMalformedResponse.
func (c *Client) do(ctx context.Context, req request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "openpayments."+req.op)
	defer span.End()

	if c.strictMode && !isHTTPS(req.url) {
		return utils.SpanErrf(span, "strictmode is enabled, but request is not over HTTPS: %s", req.url)
	}

	var payload []byte
	var err error
	if req.body != nil {
		if payload, err = json.Marshal(req.body); err != nil {
			return utils.SpanErrf(span, "could not marshal request: %v", err)
		}
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	r, err := http.NewRequestWithContext(ctx, req.method, req.url, bodyReader)
	if err != nil {
		return utils.SpanErrf(span, "could not create request: %v", err)
	}

	requestId, _ := uuid.NewV7()
	r.Header.Set("Accept", "application/json")
	r.Header.Set("X-Request-ID", requestId.String())
	if payload != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		r.Header.Set("Authorization", "GNAP "+req.token)
	}
	if req.creds != nil && req.creds.Signer != nil {
		if err = req.creds.Signer.Sign(r, payload); err != nil {
			return utils.SpanErrf(span, "could not sign request: %v", err)
		}
	}
	span.SetAttributes(
		attribute.String("http.method", req.method),
		attribute.String("http.url", req.url),
		attribute.String("op.request_id", requestId.String()),
	)

	rsp, err := c.doer.Do(r)
	if err != nil {
		return utils.SpanErrf(span, "could not execute request: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			log.Warn().Err(err).Msg("could not close response body")
		}
	}(rsp.Body)

	span.SetAttributes(attribute.Int("http.status_code", rsp.StatusCode))
	if !expectedStatus(rsp.StatusCode, req.expected) {
		body := utils.SpanHttpBody(span, rsp)
		log.Info().
			Str("op", req.op).
			Int("status", rsp.StatusCode).
			Str("body", utils.Clip(body)).
			Msg("unexpected response from open payments server")
		return statusError{StatusCode: rsp.StatusCode, Body: body}
	}

	if out == nil {
		return nil
	}
	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		return utils.SpanErrf(span, "could not read response body: %w", err)
	}
	if err = json.Unmarshal(body, out); err != nil {
		return utils.SpanErr(span, fmt.Errorf("%w: %v", errMalformedResponse, err))
	}
	return nil
}

func expectedStatus(code int, expected []int) bool {
	if len(expected) == 0 {
		return code >= 200 && code < 300
	}
	for _, e := range expected {
		if e == code {
			return true
		}
	}
	return false
}

func isHTTPS(raw string) bool {
	return strings.HasPrefix(raw, "https://")
}

func statusOf(err error) (int, []byte, bool) {
	var se statusError
	if errors.As(err, &se) {
		return se.StatusCode, se.Body, true
	}
	return 0, nil, false
}
