package manifest

import (
	"errors"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/logging"
)

// AdCooldownTicks is how many ad-free responses are absorbed before an ad
// streak resets.
const AdCooldownTicks = 15

// ErrStale is returned when a manifest-index response was requested before
// the channel was last cleared.
var ErrStale = errors.New("manifest: stale response")

// Ref identifies one record generation. Operations through a Ref whose
// record was replaced or cleared are no-ops.
type Ref struct {
	Channel string
	ID      uint64
}

// Record is a snapshot of a channel's manifest state.
type Record struct {
	Ref
	Assigned    []Playlist
	Replacement []Playlist
	Streak      int
	Cooldown    int
}

// Resolution is the outcome of resolving a requested segment-playlist URL.
type Resolution struct {
	Record   Record
	Quality  string
	URL      string
	Degraded bool
}

type record struct {
	id          uint64
	channel     string
	fingerprint uint64
	assigned    []Playlist
	replacement []Playlist
	streak      int
	cooldown    int
}

func (r *record) snapshot() Record {
	return Record{
		Ref:         Ref{Channel: r.channel, ID: r.id},
		Assigned:    append([]Playlist(nil), r.assigned...),
		Replacement: append([]Playlist(nil), r.replacement...),
		Streak:      r.streak,
		Cooldown:    r.cooldown,
	}
}

func (r *record) qualityOf(u string) (string, bool) {
	for _, p := range r.assigned {
		if p.URL == u {
			return p.Quality, true
		}
	}
	return "", false
}

// Tracker owns the manifest records of one worker.
type Tracker struct {
	mu       sync.Mutex
	records  map[string]*record // by channel
	epochs   map[string]uint64  // by channel
	global   uint64             // bumped when every channel is cleared
	indexURL map[string]string  // last manifest-index request URL by channel
	nextID   uint64

	flagged *xsync.Map[string, struct{}]
	logger  zerolog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		records:  make(map[string]*record),
		epochs:   make(map[string]uint64),
		indexURL: make(map[string]string),
		flagged:  xsync.NewMap[string, struct{}](),
		logger:   logging.Component("manifest"),
	}
}

func normalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimSpace(ch))
}

// Epoch returns the current epoch of channel. Capture it when issuing a
// manifest-index request and pass it to Observe.
func (t *Tracker) Epoch(channel string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epochLocked(normalizeChannel(channel))
}

func (t *Tracker) epochLocked(channel string) uint64 {
	return t.global + t.epochs[channel]
}

// CacheIndexURL remembers the manifest-index request URL of channel for the
// replacement protocol.
func (t *Tracker) CacheIndexURL(channel, rawURL string) {
	t.mu.Lock()
	t.indexURL[normalizeChannel(channel)] = rawURL
	t.mu.Unlock()
}

// IndexURL returns the cached manifest-index request URL of channel.
func (t *Tracker) IndexURL(channel string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.indexURL[normalizeChannel(channel)]
	return u, ok
}

// Observe creates or replaces the record of channel from a parsed index.
// An index identical to the current one keeps the existing record and its
// ad state. A response requested in an older epoch is rejected.
func (t *Tracker) Observe(channel string, epoch uint64, idx Index) (Record, error) {
	if len(idx.Playlists) == 0 {
		return Record{}, ErrNoPlaylists
	}
	channel = normalizeChannel(channel)

	t.mu.Lock()
	defer t.mu.Unlock()

	if epoch != t.epochLocked(channel) {
		return Record{}, ErrStale
	}
	if cur, ok := t.records[channel]; ok && cur.fingerprint == idx.Fingerprint {
		return cur.snapshot(), nil
	}

	t.nextID++
	rec := &record{
		id:          t.nextID,
		channel:     channel,
		fingerprint: idx.Fingerprint,
		assigned:    append([]Playlist(nil), idx.Playlists...),
	}
	if old, ok := t.records[channel]; ok {
		t.forgetFlagsLocked(old)
	}
	for _, p := range rec.assigned {
		t.flagged.Delete(p.URL)
	}
	t.records[channel] = rec
	t.logger.Debug().Str("channel", channel).Int("playlists", len(rec.assigned)).Msg("manifest-index recorded")
	return rec.snapshot(), nil
}

// Resolve finds the record whose assigned playlists contain requestedURL and
// returns the URL to fetch. With a replacement for the quality, that URL is
// used; with replacements for other qualities only, the first one is used
// and the resolution is marked degraded. Resolve does not mutate state.
func (t *Tracker) Resolve(requestedURL string) (Resolution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, quality, ok := t.ownerLocked(requestedURL)
	if !ok {
		return Resolution{URL: requestedURL}, false
	}
	res := Resolution{Record: rec.snapshot(), Quality: quality, URL: requestedURL}
	if len(rec.replacement) == 0 {
		return res, true
	}
	for _, p := range rec.replacement {
		if p.Quality == quality {
			res.URL = p.URL
			return res, true
		}
	}
	res.URL = rec.replacement[0].URL
	res.Degraded = true
	return res, true
}

func (t *Tracker) ownerLocked(u string) (*record, string, bool) {
	for _, rec := range t.records {
		if q, ok := rec.qualityOf(u); ok {
			return rec, q, true
		}
	}
	return nil, "", false
}

// RecordAd registers an ad-bearing response and returns the new streak.
func (t *Tracker) RecordAd(ref Ref) (streak int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.lookupLocked(ref)
	if rec == nil {
		return 0, false
	}
	rec.streak++
	rec.cooldown = AdCooldownTicks
	return rec.streak, true
}

// RecordAdFree registers an ad-free response: a pending cooldown is
// decremented, otherwise the streak resets.
func (t *Tracker) RecordAdFree(ref Ref) (streak, cooldown int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.lookupLocked(ref)
	if rec == nil {
		return 0, 0, false
	}
	if rec.cooldown > 0 {
		rec.cooldown--
	} else {
		rec.streak = 0
	}
	return rec.streak, rec.cooldown, true
}

// SetReplacement stores the replacement playlists of a record.
func (t *Tracker) SetReplacement(ref Ref, playlists []Playlist) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.lookupLocked(ref)
	if rec == nil {
		return false
	}
	rec.replacement = append([]Playlist(nil), playlists...)
	for _, p := range playlists {
		t.flagged.Delete(p.URL)
	}
	return true
}

// ClearReplacement drops the replacement playlists of a record.
func (t *Tracker) ClearReplacement(ref Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec := t.lookupLocked(ref); rec != nil {
		rec.replacement = nil
	}
}

// Get returns the record of channel.
func (t *Tracker) Get(channel string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[normalizeChannel(channel)]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Channels returns the channels with a record.
func (t *Tracker) Channels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.records))
	for ch := range t.records {
		out = append(out, ch)
	}
	return out
}

// Clear drops the record and cached request data of channel and advances
// its epoch. An empty channel clears every channel.
func (t *Tracker) Clear(channel string) {
	channel = normalizeChannel(channel)
	t.mu.Lock()
	defer t.mu.Unlock()

	if channel == "" {
		for _, rec := range t.records {
			t.forgetFlagsLocked(rec)
		}
		t.global++
		clear(t.records)
		clear(t.indexURL)
		return
	}
	if rec, ok := t.records[channel]; ok {
		t.forgetFlagsLocked(rec)
		delete(t.records, channel)
	}
	delete(t.indexURL, channel)
	t.epochs[channel]++
}

// MarkFlagged records that a request to u was flagged and reports whether
// this was the first time.
func (t *Tracker) MarkFlagged(u string) bool {
	_, loaded := t.flagged.LoadOrStore(u, struct{}{})
	return !loaded
}

// WasFlagged reports whether a request to u was flagged before.
func (t *Tracker) WasFlagged(u string) bool {
	_, ok := t.flagged.Load(u)
	return ok
}

func (t *Tracker) lookupLocked(ref Ref) *record {
	rec, ok := t.records[normalizeChannel(ref.Channel)]
	if !ok || rec.id != ref.ID {
		return nil
	}
	return rec
}

func (t *Tracker) forgetFlagsLocked(rec *record) {
	for _, p := range rec.assigned {
		t.flagged.Delete(p.URL)
	}
	for _, p := range rec.replacement {
		t.flagged.Delete(p.URL)
	}
}
