package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/agentuity/go-gateway/errorlog"
	"github.com/agentuity/go-gateway/resilience"
)

// FetchRequest describes one HTTP request. Body is replayed on every attempt.
type FetchRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// FetchResponse is a successful (2xx) response with its body fully read.
type FetchResponse struct {
	Status  int
	Header  http.Header
	Body    []byte
	Attempt int
}

// Fetch performs req with retries. Non-2xx responses become *Error before the
// retry decision, so retryable statuses are retried and the rest surface at
// once. Each attempt is bounded by cfg.Timeout.
func Fetch(ctx context.Context, client *http.Client, req FetchRequest, cfg resilience.RetryConfig, opts ...resilience.RetryOption) (*FetchResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var out *FetchResponse
	err := resilience.Retry(ctx, cfg, func(ctx context.Context, attempt int) error {
		resp, err := fetchAttempt(ctx, client, req, cfg, attempt)
		if err != nil {
			return err
		}
		out = resp
		return nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func fetchAttempt(ctx context.Context, client *http.Client, req FetchRequest, cfg resilience.RetryConfig, attempt int) (*FetchResponse, error) {
	actx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(actx, req.Method, req.URL, body)
	if err != nil {
		return nil, &Error{
			Message: fmt.Sprintf("error creating request: %s", err),
			URL:     req.URL,
			Method:  req.Method,
			Attempt: attempt,
			Err:     err,
		}
	}
	if req.Header != nil {
		hreq.Header = req.Header.Clone()
	}

	resp, err := client.Do(hreq)
	if err != nil {
		return nil, transportError(ctx, actx, req, cfg, attempt, "error sending request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, actx, req, cfg, attempt, "error reading response body", err)
	}

	if resp.StatusCode > 299 {
		return nil, newStatusError(req, resp, respBody, attempt)
	}
	return &FetchResponse{
		Status:  resp.StatusCode,
		Header:  resp.Header,
		Body:    respBody,
		Attempt: attempt,
	}, nil
}

func transportError(ctx, actx context.Context, req FetchRequest, cfg resilience.RetryConfig, attempt int, what string, err error) error {
	if ctx.Err() != nil {
		// caller cancelled or its own deadline passed
		return ctx.Err()
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		return &Error{
			Message: fmt.Sprintf("request timeout after %s", cfg.Timeout),
			URL:     req.URL,
			Method:  req.Method,
			Attempt: attempt,
			Err:     context.DeadlineExceeded,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", what, err),
		URL:     req.URL,
		Method:  req.Method,
		Attempt: attempt,
		Err:     err,
	}
}

// bodyPreview renders a response body for debug logs. Non-text payloads are
// summarized by media type, size and digest. Text is cut to limit runes with
// email addresses masked.
func bodyPreview(body []byte, contentType string, limit int) string {
	if limit <= 0 {
		limit = 200
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	if mediaType != "" && !textual(mediaType) {
		sum := sha256.Sum256(body)
		return fmt.Sprintf("<%s: %d bytes, sha256=%s>", mediaType, len(body), hex.EncodeToString(sum[:8]))
	}
	text := errorlog.MaskEmails(string(body))
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + fmt.Sprintf("... (%d bytes)", len(body))
}

func textual(mediaType string) bool {
	if strings.HasPrefix(mediaType, "text/") || strings.HasSuffix(mediaType, "+json") || strings.HasSuffix(mediaType, "+xml") {
		return true
	}
	switch mediaType {
	case "application/json", "application/xml", "application/javascript", "application/x-www-form-urlencoded":
		return true
	}
	return false
}
