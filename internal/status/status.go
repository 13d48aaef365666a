// Package status keeps the per-channel stream status shown to the viewer:
// whether segment-playlist connections went through a proxy, which one, and
// why not when they did not. Nothing in the routing core reads it.
package status

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/outbound"
)

// ReasonConflict is reported for direct connections once another interceptor
// was detected in the transport chain.
const ReasonConflict = "Multiple ad blockers in use"

// Stats tallies the segment-playlist connections of a channel.
type Stats struct {
	Proxied    int `json:"proxied"`
	NotProxied int `json:"not_proxied"`
}

// StreamStatus is the status of one channel.
type StreamStatus struct {
	Channel      string    `json:"channel"`
	Proxied      bool      `json:"proxied"`
	ProxyHost    string    `json:"proxy_host,omitempty"`
	ProxyCountry string    `json:"proxy_country,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Stats        Stats     `json:"stats"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CountryLookup resolves the country of a proxy host in the background.
type CountryLookup interface {
	LookupHostAsync(host string, fn func(country string))
}

// Config configures an Aggregator.
type Config struct {
	// ChannelOf resolves the channel of a connection that the selector did
	// not attribute.
	ChannelOf func(rawURL, pageURL string) string
	// Geo is the fallback for proxies whose country the manifest-index did
	// not report. Optional.
	Geo CountryLookup
}

type entry struct {
	mu     sync.Mutex
	status StreamStatus
	// country came from the manifest-index and wins over GeoIP
	reported bool
}

// Aggregator is owned by the background context.
type Aggregator struct {
	channelOf func(rawURL, pageURL string) string
	geo       CountryLookup
	streams   *xsync.Map[string, *entry]
	conflict  atomic.Bool
	now       func() time.Time
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	return &Aggregator{
		channelOf: cfg.ChannelOf,
		geo:       cfg.Geo,
		streams:   xsync.NewMap[string, *entry](),
		now:       time.Now,
	}
}

func normalize(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}

func (a *Aggregator) entryFor(channel string) *entry {
	e, _ := a.streams.LoadOrStore(channel, &entry{status: StreamStatus{Channel: channel}})
	return e
}

// ObserveConnection tallies a finished segment-playlist connection. Its
// signature matches outbound.Config.Observe.
func (a *Aggregator) ObserveConnection(res outbound.Result) {
	if res.Kind != classify.HostSegmentPlaylist || res.Err != nil {
		return
	}
	channel := normalize(res.Channel)
	if channel == "" && a.channelOf != nil {
		channel = normalize(a.channelOf(res.URL, res.PageURL))
	}
	if channel == "" {
		return
	}

	e := a.entryFor(channel)
	e.mu.Lock()
	s := &e.status
	s.UpdatedAt = a.now()
	s.Proxied = res.Proxied()
	if !s.Proxied {
		s.Stats.NotProxied++
		s.Reason = res.Reason
		if a.conflict.Load() {
			s.Reason = ReasonConflict
		}
		e.mu.Unlock()
		return
	}

	s.Stats.Proxied++
	s.Reason = ""
	lookup := ""
	if host := proxyHost(res.Proxy); host != s.ProxyHost {
		s.ProxyHost = host
		if !e.reported {
			s.ProxyCountry = ""
			lookup = host
		}
	}
	e.mu.Unlock()

	if lookup != "" {
		a.lookupCountry(channel, lookup)
	}
}

func proxyHost(addr string) string {
	if i := strings.LastIndexByte(addr, ':'); i > 0 {
		return strings.Trim(addr[:i], "[]")
	}
	return addr
}

func (a *Aggregator) lookupCountry(channel, host string) {
	if a.geo == nil || host == "" {
		return
	}
	a.geo.LookupHostAsync(host, func(country string) {
		e, ok := a.streams.Load(channel)
		if !ok {
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.reported && e.status.ProxyHost == host {
			e.status.ProxyCountry = country
		}
	})
}

// SetProxyCountry records the country a manifest-index reported for the
// viewer of channel.
func (a *Aggregator) SetProxyCountry(channel, country string) {
	channel = normalize(channel)
	if channel == "" || country == "" {
		return
	}
	e := a.entryFor(channel)
	e.mu.Lock()
	e.status.ProxyCountry = country
	e.reported = true
	e.mu.Unlock()
}

// NoteConflict marks that another interceptor handles the traffic.
func (a *Aggregator) NoteConflict() {
	a.conflict.Store(true)
}

// Clear resets the status of channel, or of every channel when empty. A noted
// conflict is dropped too; an interceptor still in the way reports it again.
func (a *Aggregator) Clear(channel string) {
	a.conflict.Store(false)
	channel = normalize(channel)
	if channel == "" {
		a.streams.Clear()
		return
	}
	a.streams.Delete(channel)
}

// Get returns the status of channel.
func (a *Aggregator) Get(channel string) (StreamStatus, bool) {
	e, ok := a.streams.Load(normalize(channel))
	if !ok {
		return StreamStatus{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, true
}

// List returns every status ordered by channel.
func (a *Aggregator) List() []StreamStatus {
	out := make([]StreamStatus, 0, a.streams.Size())
	a.streams.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		out = append(out, e.status)
		e.mu.Unlock()
		return true
	})
	slices.SortFunc(out, func(x, y StreamStatus) int {
		return strings.Compare(x.Channel, y.Channel)
	})
	return out
}
