// Package netutil holds small URL and host helpers shared by the selector,
// the page cookie jar and the HTTP fetch paths.
package netutil

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Host returns the lower-cased host of target without port or brackets.
// target may be a URL, host:port, a bracketed IPv6 address or a bare host.
func Host(target string) string {
	if strings.Contains(target, "://") || strings.HasPrefix(target, "//") {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			target = u.Host
		}
	}

	host := target
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// ExtractDomain returns the registrable domain (eTLD+1) of target.
//
//	"video-weaver.fra05.hls.ttvnw.net" -> "ttvnw.net"
//	"https://www.twitch.tv/somechan"   -> "twitch.tv"
//	"192.168.1.1:8080"                 -> "192.168.1.1"
//	"[::1]:80"                         -> "::1"
//
// IP addresses, localhost and bare TLDs are returned as-is.
func ExtractDomain(target string) string {
	host := Host(target)
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}

// SameSite reports whether a and b share a registrable domain.
func SameSite(a, b string) bool {
	da, db := ExtractDomain(a), ExtractDomain(b)
	return da != "" && da == db
}
