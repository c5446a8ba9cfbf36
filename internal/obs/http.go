package obs

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/kuitang/critico-e2e/internal/logutil"
)

const maxLoggedBodyBytes = 2048

// Transport emits one structured event per outgoing API request.
// Bodies are logged at debug level only, with secrets redacted.
type Transport struct {
	Base http.RoundTripper
	Pkg  string
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	log := From(req.Context()).With("pkg", t.Pkg)

	resp, err := t.base().RoundTrip(req)
	durMS := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		log.Warn("api_request_failed",
			"method", req.Method,
			"path", req.URL.Path,
			"dur_ms", durMS,
			"error", err.Error(),
		)
		return nil, err
	}

	attrs := []any{
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"dur_ms", durMS,
		"req_headers", logutil.Headers(req.Header),
	}
	if resp.StatusCode >= 400 && resp.Body != nil {
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr == nil {
			attrs = append(attrs, "resp_body", logutil.Body(resp.Header.Get("Content-Type"), body, maxLoggedBodyBytes))
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	log.Debug("api_request", attrs...)
	return resp, nil
}
