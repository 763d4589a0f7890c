package services

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 512

// HTTPError describes a non-2xx response from an upload target.
type HTTPError struct {
	StatusCode int
	Body       string
	URL        string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("http %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// NewHTTPError reads a bounded prefix of the response body into an HTTPError.
func NewHTTPError(resp *http.Response) *HTTPError {
	herr := &HTTPError{StatusCode: resp.StatusCode}
	if resp.Request != nil && resp.Request.URL != nil {
		herr.URL = resp.Request.URL.Redacted()
	}
	if resp.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		herr.Body = strings.TrimSpace(string(body))
	}
	return herr
}
