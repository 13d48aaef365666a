package settings

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultProxyPort is used when a proxy entry has no port.
const DefaultProxyPort = 3128

// ProxyEndpoint is a parsed proxy entry.
type ProxyEndpoint struct {
	Host     string
	Port     int
	Username string
	Password string
}

// HasCredentials reports whether the entry carries a username and password.
func (p ProxyEndpoint) HasCredentials() bool {
	return p.Username != "" && p.Password != ""
}

// Address returns host:port.
func (p ProxyEndpoint) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// String renders the entry without credentials.
func (p ProxyEndpoint) String() string {
	return p.Address()
}

// ParseProxy parses "[user:pass@]host[:port]". An "http://" prefix is
// tolerated; other schemes are rejected.
func ParseProxy(raw string) (ProxyEndpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ProxyEndpoint{}, fmt.Errorf("empty proxy entry")
	}
	if strings.Contains(raw, "://") {
		if !strings.HasPrefix(strings.ToLower(raw), "http://") {
			return ProxyEndpoint{}, fmt.Errorf("proxy %q: only http proxies are supported", raw)
		}
	} else {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ProxyEndpoint{}, fmt.Errorf("proxy %q: %w", raw, err)
	}
	if u.Path != "" && u.Path != "/" {
		return ProxyEndpoint{}, fmt.Errorf("proxy %q: unexpected path", raw)
	}
	host := u.Hostname()
	if host == "" {
		return ProxyEndpoint{}, fmt.Errorf("proxy %q: missing host", raw)
	}

	ep := ProxyEndpoint{Host: strings.ToLower(host), Port: DefaultProxyPort}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return ProxyEndpoint{}, fmt.Errorf("proxy %q: invalid port %q", raw, p)
		}
		ep.Port = port
	}
	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	return ep, nil
}

// ProxyEndpoints parses every configured proxy, skipping invalid entries.
func (c SessionConfig) ProxyEndpoints() []ProxyEndpoint {
	out := make([]ProxyEndpoint, 0, len(c.Proxies))
	for _, raw := range c.Proxies {
		ep, err := ParseProxy(raw)
		if err != nil {
			continue
		}
		out = append(out, ep)
	}
	return out
}
