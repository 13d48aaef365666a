package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/selector"
)

type proxySelectResponse struct {
	Candidates []selector.Candidate `json:"candidates"`
	Kind       string               `json:"kind"`
	Channel    string               `json:"channel,omitempty"`
	Eligible   bool                 `json:"eligible"`
	Reason     string               `json:"reason,omitempty"`
}

// HandleProxySelect returns a handler for GET /api/v1/proxy/select. It
// answers the proxy-selection question for one connection without opening
// it.
//
// Query: url (required, absolute http(s) URL), page_url, flag (a request
// category).
func HandleProxySelect(sel ProxySelector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		raw := strings.TrimSpace(q.Get("url"))
		if raw == "" {
			writeInvalidArgument(w, "url is required")
			return
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			writeInvalidArgument(w, "url: must be an absolute http(s) URL")
			return
		}

		var flag classify.Category
		if v := strings.TrimSpace(q.Get("flag")); v != "" {
			flag = classify.Category(strings.ToUpper(v))
			if !flag.IsValid() {
				writeInvalidArgument(w, "flag: unknown category "+v)
				return
			}
		}

		dec := sel.Select(selector.Request{
			URL:     raw,
			PageURL: strings.TrimSpace(q.Get("page_url")),
			Flag:    flag,
		})
		cands := dec.Candidates
		if cands == nil {
			cands = []selector.Candidate{}
		}
		WriteJSON(w, http.StatusOK, proxySelectResponse{
			Candidates: cands,
			Kind:       dec.Kind.String(),
			Channel:    dec.Channel,
			Eligible:   dec.Eligible,
			Reason:     dec.Reason,
		})
	}
}
