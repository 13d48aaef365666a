package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

type bodyTooLargeError struct {
	limit int64
}

func (e *bodyTooLargeError) Error() string {
	return fmt.Sprintf("request body too large (max %d bytes)", e.limit)
}

func asBodyTooLarge(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return &bodyTooLargeError{limit: maxErr.Limit}
	}
	return nil
}

// decodeJSONBody decodes exactly one JSON value into v. Unknown fields are
// rejected.
func decodeJSONBody(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if tooLarge := asBodyTooLarge(err); tooLarge != nil {
			return tooLarge
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if tooLarge := asBodyTooLarge(err); tooLarge != nil {
			return tooLarge
		}
		return errors.New("invalid request body: must contain a single JSON value")
	}
	return nil
}

// readBody reads the raw body, writing the error response itself on failure.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		writeInvalidArgument(w, "request body is required")
		return nil, false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeBodyError(w, asBodyTooLargeOr(err))
		return nil, false
	}
	return body, true
}

func asBodyTooLargeOr(err error) error {
	if tooLarge := asBodyTooLarge(err); tooLarge != nil {
		return tooLarge
	}
	return errors.New("failed to read body")
}
