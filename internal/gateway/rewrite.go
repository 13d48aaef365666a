package gateway

import (
	"bytes"
	"net/url"
	"regexp"
)

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// VariantPath returns the gateway path serving the segment playlist at
// target for channel.
func VariantPath(channel, target string) string {
	return "/hls/" + url.PathEscape(channel) + "/variant?u=" + url.QueryEscape(target)
}

// RewriteIndex points every playlist URI of a manifest-index at the gateway.
// Relative URIs are resolved against base first. Tags and their order are
// kept as they are.
func RewriteIndex(body []byte, base *url.URL, channel string) []byte {
	resolve := func(ref string) string {
		u, err := url.Parse(ref)
		if err != nil {
			return ref
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		return VariantPath(channel, u.String())
	}

	lines := bytes.Split(body, []byte("\n"))
	for i, line := range lines {
		trimmed := bytes.TrimSpace(line)
		switch {
		case len(trimmed) == 0:
		case trimmed[0] == '#':
			lines[i] = uriAttr.ReplaceAllFunc(line, func(m []byte) []byte {
				ref := uriAttr.FindSubmatch(m)[1]
				return []byte(`URI="` + resolve(string(ref)) + `"`)
			})
		default:
			lines[i] = []byte(resolve(string(trimmed)))
		}
	}
	return bytes.Join(lines, []byte("\n"))
}
