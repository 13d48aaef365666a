package netutil

import (
	"fmt"
	"io"
	"net/http"
)

// HTTPStatusError indicates the server responded, but with an unexpected
// HTTP status code. This is a non-network failure.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// ReadOK drains resp and returns its body when the status is 2xx, limited to
// maxBytes. The body is always closed.
func ReadOK(resp *http.Response, maxBytes int64) ([]byte, error) {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		u := ""
		if resp.Request != nil && resp.Request.URL != nil {
			u = resp.Request.URL.String()
		}
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: u}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBytes))
}
