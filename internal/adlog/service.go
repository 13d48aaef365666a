// Package adlog records ad detections asynchronously and purges old rows on
// a cron schedule.
package adlog

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/logging"
	"github.com/Resinat/streamguard/internal/state"
)

// Outcome describes what happened to an ad-bearing segment-playlist response.
type Outcome string

const (
	OutcomeReplaced      Outcome = "replaced"
	OutcomeFailed        Outcome = "failed"
	OutcomePassedThrough Outcome = "passed_through"
)

// Event is one ad detection as reported by a worker.
type Event struct {
	Channel      string
	Quality      string
	Streak       int
	Outcome      Outcome
	ProxyCountry string
	DetectedAt   time.Time
}

// Store is the persistence surface the service needs.
type Store interface {
	InsertAdLogBatch(ctx context.Context, entries []state.AdLogEntry) (int, error)
	PurgeAdLogBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service provides an async ad log writer.
// Emit performs a non-blocking channel send (drops on overflow).
// A background goroutine flushes batches to the Store.
type Service struct {
	store     Store
	queue     chan Event
	batchSize int
	interval  time.Duration
	retention time.Duration
	schedule  string
	enabled   func() bool
	now       func() time.Time

	cron   *cron.Cron
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ServiceConfig configures the ad log service.
type ServiceConfig struct {
	Store         Store
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
	Retention     time.Duration
	// PurgeSchedule is a standard 5-field cron expression; empty disables purging.
	PurgeSchedule string
	// Enabled gates Emit. Nil means always enabled.
	Enabled func() bool
}

// NewService creates a new ad log service.
func NewService(cfg ServiceConfig) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 128
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	enabled := cfg.Enabled
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &Service{
		store:     cfg.Store,
		queue:     make(chan Event, queueSize),
		batchSize: batchSize,
		interval:  interval,
		retention: cfg.Retention,
		schedule:  cfg.PurgeSchedule,
		enabled:   enabled,
		now:       time.Now,
		logger:    logging.Component("adlog"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background flush goroutine and the purge schedule.
func (s *Service) Start() error {
	if s.schedule != "" && s.retention > 0 {
		c := cron.New()
		if _, err := c.AddFunc(s.schedule, func() { s.Purge(context.Background()) }); err != nil {
			return err
		}
		c.Start()
		s.cron = c
	}
	s.wg.Add(1)
	go s.flushLoop()
	return nil
}

// Stop signals the flush loop to stop, drains remaining entries, and returns.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	close(s.stopCh)
	s.wg.Wait()
}

// Emit enqueues an event. Non-blocking; drops on overflow or when disabled.
func (s *Service) Emit(ev Event) {
	if !s.enabled() {
		return
	}
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = s.now()
	}
	select {
	case s.queue <- ev:
	default:
		s.logger.Warn().Str("channel", ev.Channel).Msg("queue full, dropping ad log event")
	}
}

// Purge deletes rows older than the retention window.
func (s *Service) Purge(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.PurgeAdLogBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("purge failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("purged ad log")
	}
}

// flushLoop runs until stopCh is closed, flushing on batch-size or timer.
func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]Event, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.queue:
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-s.stopCh:
			s.drainAndFlush(batch)
			return
		}
	}
}

func (s *Service) drainAndFlush(batch []Event) {
	for {
		select {
		case ev := <-s.queue:
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Service) flush(events []Event) {
	entries := make([]state.AdLogEntry, len(events))
	for i, ev := range events {
		entries[i] = state.AdLogEntry{
			Channel:      ev.Channel,
			Quality:      ev.Quality,
			Streak:       ev.Streak,
			Outcome:      string(ev.Outcome),
			ProxyCountry: ev.ProxyCountry,
			DetectedAt:   ev.DetectedAt,
		}
	}
	if n, err := s.store.InsertAdLogBatch(context.Background(), entries); err != nil {
		s.logger.Error().Err(err).Int("entries", len(entries)).Msg("flush failed")
	} else if n > 0 {
		s.logger.Debug().Int("entries", n).Msg("flushed")
	}
}
