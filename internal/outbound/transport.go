// Package outbound is the platform connection layer. For every connection it
// asks the proxy selector for an ordered candidate list and tries the
// candidates until one of them carries the request.
package outbound

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/logging"
	"github.com/Resinat/streamguard/internal/selector"
	"github.com/Resinat/streamguard/internal/settings"
)

// Selector chooses candidates for a connection.
type Selector interface {
	Select(selector.Request) selector.Decision
}

// Credential is a proxy username and password.
type Credential struct {
	Username string
	Password string
}

// Credentials answers proxy authentication challenges. Every 407 seen by one
// attempt is reported under the same id; implementations decline an id they
// have already answered. Release is called once the attempt is over.
type Credentials interface {
	Challenge(id string, proxy settings.ProxyEndpoint) (Credential, bool)
	Release(id string)
}

// Result describes how one connection was carried.
type Result struct {
	URL      string
	PageURL  string
	Kind     classify.HostKind
	Channel  string
	Eligible bool
	// Proxy is the address of the proxy that carried the connection. Empty
	// when it went direct or failed.
	Proxy  string
	Reason string
	Err    error
}

// Proxied reports whether a proxy carried the connection.
func (r Result) Proxied() bool {
	return r.Proxy != ""
}

// Config configures a Transport.
type Config struct {
	Selector    Selector
	Credentials Credentials
	// Observe, when set, is called once per connection with its outcome.
	Observe func(Result)

	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
}

// Transport is an http.RoundTripper dialing through the selected candidates.
// One http.Transport is pooled per proxy address plus one for direct
// connections.
type Transport struct {
	selector Selector
	creds    Credentials
	observe  func(Result)

	headerTimeout time.Duration
	idleTimeout   time.Duration

	pool   *xsync.Map[uint64, *http.Transport]
	logger zerolog.Logger
}

var directKey = xxh3.HashString("direct")

type credentialKey struct{}

// NewTransport creates a Transport.
func NewTransport(cfg Config) *Transport {
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = 15 * time.Second
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	return &Transport{
		selector:      cfg.Selector,
		creds:         cfg.Credentials,
		observe:       cfg.Observe,
		headerTimeout: cfg.ResponseHeaderTimeout,
		idleTimeout:   cfg.IdleConnTimeout,
		pool:          xsync.NewMap[uint64, *http.Transport](),
		logger:        logging.Component("outbound"),
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		defer req.Body.Close()
	}

	var flag classify.Category
	if raw := req.Header.Get(FlagHeader); raw != "" {
		flag = classify.ParseCategory(raw)
	}
	pageURL := req.Header.Get(PageHeader)
	dec := t.selector.Select(selector.Request{URL: req.URL.String(), PageURL: pageURL, Flag: flag})

	res := Result{
		URL:      req.URL.String(),
		PageURL:  pageURL,
		Kind:     dec.Kind,
		Channel:  dec.Channel,
		Eligible: dec.Eligible,
		Reason:   dec.Reason,
	}

	getBody, err := rewindable(req)
	if err != nil {
		return nil, ErrRequestBody.wrap(err)
	}

	var lastErr error
	proxyFailed := false
	for _, cand := range dec.Candidates {
		resp, err := t.attempt(req, getBody, cand)
		if err == nil {
			if cand.Mode == selector.ModeHTTP {
				res.Proxy = cand.Endpoint().Address()
				res.Reason = ""
			} else if proxyFailed {
				res.Reason = selector.ReasonAllProxiesDown
			}
			t.report(res)
			return resp, nil
		}

		oe := classifyUpstreamError(err)
		if oe == nil {
			return nil, err
		}
		lastErr = oe
		if cand.Mode == selector.ModeHTTP {
			proxyFailed = true
			t.logger.Warn().Err(err).
				Str("proxy", cand.Endpoint().Address()).
				Str("url", res.URL).
				Msg("proxy candidate failed, trying next")
		}
		if req.Context().Err() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = ErrUpstreamRequestFailed.wrap(fmt.Errorf("no candidates for %s", res.URL))
	}
	res.Err = lastErr
	t.report(res)
	return nil, lastErr
}

func (t *Transport) report(res Result) {
	t.logger.Debug().
		Str("url", res.URL).
		Str("proxy", res.Proxy).
		Str("reason", res.Reason).
		Bool("eligible", res.Eligible).
		Msg("connection")
	if t.observe != nil {
		t.observe(res)
	}
}

// attempt runs one candidate, answering proxy authentication challenges
// until the proxy accepts or the credential source declines.
func (t *Transport) attempt(orig *http.Request, getBody func() (io.ReadCloser, error), cand selector.Candidate) (*http.Response, error) {
	rt := t.transportFor(cand)
	if cand.Mode != selector.ModeHTTP {
		return send(orig, getBody, rt, nil)
	}

	ep := cand.Endpoint()
	id := uuid.NewString()
	if t.creds != nil {
		defer t.creds.Release(id)
	}

	var cred *Credential
	for {
		resp, err := send(orig, getBody, rt, cred)
		switch {
		case err != nil && !isProxyAuthError(err):
			return nil, err
		case err == nil && resp.StatusCode != http.StatusProxyAuthRequired:
			return resp, nil
		case err == nil:
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
		}

		if t.creds == nil {
			return nil, ErrProxyAuthFailed.wrap(fmt.Errorf("proxy %s requires credentials", ep.Address()))
		}
		c, ok := t.creds.Challenge(id, ep)
		if !ok {
			return nil, ErrProxyAuthFailed.wrap(fmt.Errorf("proxy %s: challenge declined", ep.Address()))
		}
		cred = &c
	}
}

func send(orig *http.Request, getBody func() (io.ReadCloser, error), rt http.RoundTripper, cred *Credential) (*http.Response, error) {
	ctx := orig.Context()
	if cred != nil {
		ctx = context.WithValue(ctx, credentialKey{}, *cred)
	}
	out := orig.Clone(ctx)
	stripInternalHeaders(out.Header)
	out.Header.Del("Proxy-Authorization")
	out.Body = nil
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, ErrRequestBody.wrap(err)
		}
		out.Body = body
		out.GetBody = getBody
	}
	if cred != nil && out.URL.Scheme == "http" {
		out.Header.Set("Proxy-Authorization", basicAuth(*cred))
	}
	return rt.RoundTrip(out)
}

// rewindable returns a body factory so every candidate sends the full body.
func rewindable(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		return req.GetBody, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func (t *Transport) transportFor(cand selector.Candidate) *http.Transport {
	key := directKey
	var proxyURL *url.URL
	if cand.Mode == selector.ModeHTTP {
		addr := cand.Endpoint().Address()
		key = xxh3.HashString(addr)
		proxyURL = &url.URL{Scheme: "http", Host: addr}
	}
	if rt, ok := t.pool.Load(key); ok {
		return rt
	}
	rt, _ := t.pool.LoadOrStore(key, t.build(proxyURL))
	return rt
}

func (t *Transport) build(proxyURL *url.URL) *http.Transport {
	rt := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       t.idleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: t.headerTimeout,
	}
	if proxyURL != nil {
		rt.Proxy = http.ProxyURL(proxyURL)
		rt.GetProxyConnectHeader = proxyConnectHeader
	}
	return rt
}

// proxyConnectHeader supplies challenge credentials to CONNECT requests.
func proxyConnectHeader(ctx context.Context, _ *url.URL, _ string) (http.Header, error) {
	c, ok := ctx.Value(credentialKey{}).(Credential)
	if !ok {
		return nil, nil
	}
	h := http.Header{}
	h.Set("Proxy-Authorization", basicAuth(c))
	return h, nil
}

func basicAuth(c Credential) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// CloseIdleConnections closes idle connections of every pooled transport.
func (t *Transport) CloseIdleConnections() {
	t.pool.Range(func(_ uint64, rt *http.Transport) bool {
		rt.CloseIdleConnections()
		return true
	})
}
