package outbound

import (
	"net/http"
	"strings"
)

// Internal headers set by the interceptor. They never reach the wire.
const (
	// FlagHeader carries the category of a per-connection flagged request.
	FlagHeader = "X-Streamguard-Flag"
	// PageHeader carries the viewer page URL the connection belongs to.
	PageHeader = "X-Streamguard-Page"
	// ViaHeader carries the id of the interceptor that handled the request.
	ViaHeader = "X-Streamguard-Via"
)

var internalHeaders = [...]string{FlagHeader, PageHeader, ViaHeader}

// hopByHop holds canonical header names scoped to a single connection.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// connectionScoped returns the set of headers that must not cross a hop for
// h: the fixed hop-by-hop list plus whatever h's Connection header names.
func connectionScoped(h http.Header) map[string]bool {
	named := h.Values("Connection")
	if len(named) == 0 {
		return hopByHop
	}
	scoped := make(map[string]bool, len(hopByHop)+len(named))
	for k := range hopByHop {
		scoped[k] = true
	}
	for _, v := range named {
		for name := range strings.SplitSeq(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				scoped[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	return scoped
}

// StripHopByHopHeaders deletes connection-scoped headers from header in place.
func StripHopByHopHeaders(header http.Header) {
	if header == nil {
		return
	}
	for name := range connectionScoped(header) {
		header.Del(name)
	}
}

// CopyEndToEndHeaders appends the end-to-end headers of src to dst.
func CopyEndToEndHeaders(dst, src http.Header) {
	if dst == nil || src == nil {
		return
	}
	scoped := connectionScoped(src)
	for k, vv := range src {
		if scoped[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func stripInternalHeaders(header http.Header) {
	for _, h := range internalHeaders {
		header.Del(h)
	}
}
