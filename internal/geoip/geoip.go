// Package geoip maps proxy hosts to ISO country codes using a local MaxMind
// mmdb file that is hot-reloaded on a cron schedule.
package geoip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/logging"
)

// ErrDisabled is returned by Start when no database path is configured.
var ErrDisabled = errors.New("geoip: disabled")

// GeoReader abstracts the mmdb reader so tests can substitute a fixed table.
type GeoReader interface {
	Lookup(ip netip.Addr) string
	Close() error
}

// OpenFunc opens a GeoIP database file and returns a GeoReader.
type OpenFunc func(path string) (GeoReader, error)

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

type mmdbReader struct {
	db *maxminddb.Reader
}

func (r *mmdbReader) Lookup(ip netip.Addr) string {
	var rec countryRecord
	if err := r.db.Lookup(net.IP(ip.AsSlice()), &rec); err != nil {
		return ""
	}
	if rec.Country.ISOCode != "" {
		return strings.ToUpper(rec.Country.ISOCode)
	}
	return strings.ToUpper(rec.RegisteredCountry.ISOCode)
}

func (r *mmdbReader) Close() error { return r.db.Close() }

// MaxMindOpen is the production OpenFunc.
func MaxMindOpen(path string) (GeoReader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmdbReader{db: db}, nil
}

// Resolver resolves a hostname to addresses.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ServiceConfig configures the GeoIP service.
type ServiceConfig struct {
	Path           string   // mmdb file; empty disables the service
	ReloadSchedule string   // cron expression, default "0 7 * * *"
	OpenDB         OpenFunc // default MaxMindOpen
	Resolver       Resolver // default net.DefaultResolver
	PoolSize       int      // async lookup workers, default 4
	LookupTimeout  time.Duration
}

// Service provides GeoIP lookup with hot-reloading via RWMutex.
type Service struct {
	mu      sync.RWMutex
	reader  GeoReader // nil until first load
	modTime time.Time

	path          string
	schedule      string
	openDB        OpenFunc
	resolver      Resolver
	lookupTimeout time.Duration
	cron          *cron.Cron
	pool          *ants.Pool
	logger        zerolog.Logger
}

// NewService creates a new GeoIP service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.ReloadSchedule == "" {
		cfg.ReloadSchedule = "0 7 * * *"
	}
	if cfg.OpenDB == nil {
		cfg.OpenDB = MaxMindOpen
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("geoip: create pool: %w", err)
	}
	return &Service{
		path:          strings.TrimSpace(cfg.Path),
		schedule:      cfg.ReloadSchedule,
		openDB:        cfg.OpenDB,
		resolver:      cfg.Resolver,
		lookupTimeout: cfg.LookupTimeout,
		pool:          pool,
		logger:        logging.Component("geoip"),
	}, nil
}

// Start loads the database and schedules reloads. It returns ErrDisabled
// when no path is configured; lookups then always return "".
func (s *Service) Start() error {
	if s.path == "" {
		return ErrDisabled
	}
	if err := s.Reload(); err != nil {
		return err
	}
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		if err := s.Reload(); err != nil {
			s.logger.Error().Err(err).Msg("scheduled reload failed")
		}
	}); err != nil {
		return fmt.Errorf("geoip: invalid cron expression %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop stops the scheduler, the worker pool and closes the reader.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.pool.Release()
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Reload reopens the database when the file changed since the last load.
func (s *Service) Reload() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("geoip: stat %s: %w", s.path, err)
	}
	s.mu.RLock()
	unchanged := s.reader != nil && info.ModTime().Equal(s.modTime)
	s.mu.RUnlock()
	if unchanged {
		return nil
	}

	newReader, err := s.openDB(s.path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", s.path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.modTime = info.ModTime()
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	s.logger.Info().Str("path", s.path).Time("mtime", info.ModTime()).Msg("database loaded")
	return nil
}

// Lookup returns the country code for the given IP address.
func (s *Service) Lookup(ip netip.Addr) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil || !ip.IsValid() {
		return ""
	}
	return s.reader.Lookup(ip)
}

// LookupHost resolves host (an IP literal or a name) and returns the country
// of its first address with a known country.
func (s *Service) LookupHost(ctx context.Context, host string) string {
	if addr, err := netip.ParseAddr(host); err == nil {
		return s.Lookup(addr)
	}
	s.mu.RLock()
	loaded := s.reader != nil
	s.mu.RUnlock()
	if !loaded {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	addrs, err := s.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		s.logger.Debug().Err(err).Str("host", host).Msg("resolve failed")
		return ""
	}
	for _, a := range addrs {
		if c := s.Lookup(a.Unmap()); c != "" {
			return c
		}
	}
	return ""
}

// LookupHostAsync runs LookupHost on the worker pool and passes a non-empty
// result to fn. Lookups are dropped when the pool is saturated.
func (s *Service) LookupHostAsync(host string, fn func(country string)) {
	err := s.pool.Submit(func() {
		if c := s.LookupHost(context.Background(), host); c != "" {
			fn(c)
		}
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("host", host).Msg("async lookup dropped")
	}
}
