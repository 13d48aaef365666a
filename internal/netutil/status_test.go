package netutil

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func newResponse(status int, body string) *http.Response {
	u, _ := url.Parse("https://usher.ttvnw.net/api/channel/hls/x.m3u8")
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    &http.Request{URL: u},
	}
}

func TestReadOK(t *testing.T) {
	body, err := ReadOK(newResponse(200, "#EXTM3U"), 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "#EXTM3U" {
		t.Fatalf("body = %q", body)
	}
}

func TestReadOK_Limit(t *testing.T) {
	body, err := ReadOK(newResponse(200, "abcdef"), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "abc" {
		t.Fatalf("body = %q, want abc", body)
	}
}

func TestReadOK_Status(t *testing.T) {
	_, err := ReadOK(newResponse(403, "denied"), 1024)
	var se *HTTPStatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want HTTPStatusError", err)
	}
	if se.StatusCode != 403 || !strings.Contains(se.URL, "usher.ttvnw.net") {
		t.Fatalf("err = %+v", se)
	}
}
