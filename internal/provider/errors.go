package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/dotpath"
)

const maxErrorBody = 64 * 1024

// ErrorFromResponse converts a non-2xx vendor response into an AdapterError.
// The message is taken from the first of messagePaths that resolves to a
// string, then from "message", then from a string "error" field, and finally
// defaults to "<provider> API error: <status>". The body is consumed but not
// closed.
func ErrorFromResponse(provider string, resp *http.Response, messagePaths ...string) *domain.AdapterError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	code, retryable := domain.CodeForStatus(resp.StatusCode)
	ae := domain.NewAdapterError(provider, code, extractMessage(provider, resp.StatusCode, body, messagePaths))
	ae.StatusCode = resp.StatusCode
	ae.Retryable = retryable

	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, ok := RetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			ae.WithDetail("retryAfter", secs)
		}
	}

	return ae
}

func extractMessage(provider string, status int, body []byte, paths []string) string {
	var doc any
	if err := json.Unmarshal(body, &doc); err == nil {
		candidates := append(append([]string{}, paths...), "message", "error")
		for _, p := range candidates {
			if msg, ok := dotpath.GetString(doc, p); ok && msg != "" {
				return msg
			}
		}
	}
	return fmt.Sprintf("%s API error: %d", provider, status)
}

// RetryAfter parses a Retry-After header given either as delta-seconds or as
// an HTTP-date, returning whole seconds from now.
func RetryAfter(header string, now time.Time) (int, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0, false
		}
		return secs, true
	}

	at, err := http.ParseTime(header)
	if err != nil {
		return 0, false
	}
	secs := int(at.Sub(now).Round(time.Second) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return secs, true
}

// TransportError classifies a failure that happened before or while reading
// a response. Deadline expiry becomes TIMEOUT regardless of where it was
// observed; caller cancellation is reported as UNKNOWN_ERROR wrapping
// context.Canceled.
func TransportError(ctx context.Context, provider string, err error) *domain.AdapterError {
	if ae, ok := domain.AsAdapterError(err); ok {
		return ae
	}

	if isTimeout(ctx, err) {
		return TimeoutError(provider, err)
	}

	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return domain.NewAdapterError(provider, domain.CodeUnknown, "request canceled").
			WithCause(context.Canceled)
	}

	return domain.NewAdapterError(provider, domain.CodeUnknown, "request failed: "+describe(err)).
		WithCause(err)
}

// describe renders err without the request URL, which can carry credentials
// in its query string. The full error stays available as the cause.
func describe(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Op + ": " + describe(ue.Err)
	}
	return err.Error()
}

// StreamReadError classifies a failure while reading a streaming body.
func StreamReadError(ctx context.Context, provider string, err error) *domain.AdapterError {
	if ae, ok := domain.AsAdapterError(err); ok {
		return ae
	}
	if isTimeout(ctx, err) {
		return TimeoutError(provider, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return domain.NewAdapterError(provider, domain.CodeUnknown, "stream canceled").
			WithCause(context.Canceled)
	}
	return domain.NewAdapterError(provider, domain.CodeStreamError, "stream read failed: "+describe(err)).
		WithCause(err)
}

func TimeoutError(provider string, cause error) *domain.AdapterError {
	ae := domain.NewAdapterError(provider, domain.CodeTimeout, "request timed out").
		WithStatus(http.StatusRequestTimeout).
		WithCause(cause)
	ae.Retryable = true
	return ae
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// InvalidResponse reports a 2xx body that could not be decoded.
func InvalidResponse(provider string, err error) *domain.AdapterError {
	return domain.NewAdapterError(provider, domain.CodeUnknown, fmt.Sprintf("invalid response body: %v", err)).
		WithCause(err)
}
