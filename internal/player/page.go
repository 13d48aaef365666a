package player

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/Resinat/streamguard/internal/bus"
	"github.com/Resinat/streamguard/internal/interceptor"
	"github.com/Resinat/streamguard/internal/logging"
	"github.com/Resinat/streamguard/internal/netutil"
	"github.com/Resinat/streamguard/internal/outbound"
	"github.com/Resinat/streamguard/internal/settings"
	"github.com/Resinat/streamguard/internal/twitch"
)

// PageConfig configures the page context.
type PageConfig struct {
	Options
	// AuthToken seeds the viewer's auth-token cookie.
	AuthToken string
}

// Page is the page context. It holds the viewer's cookies and fetches
// playback access tokens for the workers.
type Page struct {
	session
	jar     *cookiejar.Jar
	site    *url.URL
	ic      *interceptor.Interceptor
	client  *http.Client
	maxBody int64
	timeout time.Duration
}

// StartPage attaches the page endpoint and loads the settings.
func StartPage(ctx context.Context, cfg PageConfig) (*Page, error) {
	cfg.normalize()
	if cfg.Bus == nil {
		return nil, fmt.Errorf("page: bus is required")
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("page: cookie jar: %w", err)
	}
	site, err := url.Parse(twitch.PageBaseURL)
	if err != nil {
		return nil, fmt.Errorf("page: %w", err)
	}
	ep, err := cfg.Bus.Attach(pageAddr)
	if err != nil {
		return nil, fmt.Errorf("page: %w", err)
	}

	p := &Page{
		session: session{
			ep:     ep,
			holder: settings.NewHolder(),
			logger: logging.Component("page"),
		},
		jar:     jar,
		site:    site,
		maxBody: cfg.MaxBodyBytes,
		timeout: cfg.Bus.Timeout(),
	}
	p.ic, err = interceptor.New(interceptor.Config{
		Next:         cfg.Next,
		Hosts:        cfg.Hosts,
		Settings:     p.holder.Config,
		Ready:        p.holder.Ready(),
		ReadyTimeout: cfg.Bus.Timeout(),
		Flagger:      p.flagger(cfg.FlagMode),
		AuthToken:    p.AuthToken,
		OnFlag:       cfg.OnFlag,
		OnConflict:   p.conflict,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		ep.Close()
		return nil, fmt.Errorf("page: %w", err)
	}
	p.client = &http.Client{Transport: p.ic, Jar: jar}
	if cfg.AuthToken != "" {
		p.SetAuthToken(cfg.AuthToken)
	}

	ep.Handle(bus.StoreStateChanged, p.onStoreStateChanged)
	ep.Handle(bus.NewPlaybackAccessToken, p.onNewPlaybackAccessToken)
	p.loadSettings(ctx)
	return p, nil
}

// Close detaches the endpoint.
func (p *Page) Close() {
	p.ep.Close()
	p.ic.Close()
}

// SetAuthToken stores the viewer's auth-token cookie on the site domain.
func (p *Page) SetAuthToken(token string) {
	p.jar.SetCookies(p.site, []*http.Cookie{{
		Name:   twitch.AuthTokenCookie,
		Value:  token,
		Domain: siteDomain(p.site.Hostname()),
		Path:   "/",
		Secure: true,
	}})
}

func siteDomain(host string) string {
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}

// AuthToken returns the viewer's auth-token cookie, if any.
func (p *Page) AuthToken() string {
	for _, c := range p.jar.Cookies(p.site) {
		if c.Name == twitch.AuthTokenCookie {
			return c.Value
		}
	}
	return ""
}

// FetchToken fetches a playback access token for channel through the page
// interceptor.
func (p *Page) FetchToken(ctx context.Context, channel string) (twitch.Token, error) {
	if channel == "" {
		return twitch.Token{}, twitch.ErrNoChannel
	}
	req, err := twitch.NewTemplateTokenRequest(ctx, channel, p.AuthToken(), p.Settings().AnonymousModeEnabled)
	if err != nil {
		return twitch.Token{}, err
	}
	req.Header.Set(outbound.PageHeader, twitch.PageURL(channel))
	resp, err := p.client.Do(req)
	if err != nil {
		return twitch.Token{}, fmt.Errorf("page: token request: %w", err)
	}
	body, err := netutil.ReadOK(resp, p.maxBody)
	if err != nil {
		return twitch.Token{}, fmt.Errorf("page: token request: %w", err)
	}
	return twitch.ParseTokenResponse(body)
}

// ClearStats tells every context to drop the state of channel.
func (p *Page) ClearStats(channel string) {
	p.ep.Broadcast(bus.ClearStats, bus.ClearStatsRequest{Channel: channel})
}

func (p *Page) onNewPlaybackAccessToken(ctx context.Context, msg bus.Message) {
	req, _ := msg.Payload.(bus.TokenRequest)
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var out bus.TokenResponse
	tok, err := p.FetchToken(ctx, req.Channel)
	if err != nil {
		p.logger.Warn().Err(err).Str("channel", req.Channel).Msg("playback access token not fetched")
	} else {
		out.Token = &bus.AccessToken{Value: tok.Value, Signature: tok.Signature}
	}
	if err := p.ep.Reply(msg, bus.NewPlaybackAccessTokenResponse, out); err != nil {
		p.logger.Debug().Err(err).Str("to", msg.From.String()).Msg("token response not delivered")
	}
}
