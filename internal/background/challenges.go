package background

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/logging"
	"github.com/Resinat/streamguard/internal/outbound"
	"github.com/Resinat/streamguard/internal/scanloop"
	"github.com/Resinat/streamguard/internal/settings"
)

// DefaultChallengeTTL bounds how long an unreleased challenge id is kept.
const DefaultChallengeTTL = 5 * time.Minute

// Challenges answers proxy authentication challenges with the credentials of
// the configured proxy entry. Each challenge id is answered at most once: a
// second 407 for the same id means the proxy rejected the credentials.
type Challenges struct {
	pending *xsync.Map[string, time.Time]
	ttl     time.Duration
	now     func() time.Time
	stop    func()
	logger  zerolog.Logger
}

var _ outbound.Credentials = (*Challenges)(nil)

// NewChallenges creates a challenge tracker.
func NewChallenges(ttl time.Duration) *Challenges {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &Challenges{
		pending: xsync.NewMap[string, time.Time](),
		ttl:     ttl,
		now:     time.Now,
		logger:  logging.Component("challenges"),
	}
}

// Start runs the sweep of abandoned ids.
func (c *Challenges) Start() {
	c.stop = scanloop.Go(scanloop.Housekeeping, c.sweep)
}

// Stop ends the sweep.
func (c *Challenges) Stop() {
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
}

// Challenge implements outbound.Credentials.
func (c *Challenges) Challenge(id string, proxy settings.ProxyEndpoint) (outbound.Credential, bool) {
	if _, seen := c.pending.LoadOrStore(id, c.now()); seen {
		c.logger.Error().
			Str("proxy", proxy.Address()).
			Msg("proxy rejected the configured credentials")
		return outbound.Credential{}, false
	}
	if !proxy.HasCredentials() {
		c.logger.Warn().
			Str("proxy", proxy.Address()).
			Msg("proxy requires authentication but has no credentials configured")
		return outbound.Credential{}, false
	}
	return outbound.Credential{Username: proxy.Username, Password: proxy.Password}, true
}

// Release implements outbound.Credentials.
func (c *Challenges) Release(id string) {
	c.pending.Delete(id)
}

// Pending returns the number of unreleased challenge ids.
func (c *Challenges) Pending() int {
	return c.pending.Size()
}

func (c *Challenges) sweep() {
	cutoff := c.now().Add(-c.ttl)
	c.pending.Range(func(id string, seen time.Time) bool {
		if seen.Before(cutoff) {
			c.pending.Delete(id)
		}
		return true
	})
}
