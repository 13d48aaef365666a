package manifest

import (
	"errors"
	"testing"
)

func mustIndex(t *testing.T, body string) Index {
	t.Helper()
	idx, err := ParseIndex([]byte(body), nil)
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	return idx
}

func observe(t *testing.T, tr *Tracker, channel string, idx Index) Record {
	t.Helper()
	rec, err := tr.Observe(channel, tr.Epoch(channel), idx)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	return rec
}

const replacementIndex = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=3000000,VIDEO="720p30"
https://weaver/a2
`

func TestTracker_EndToEndReplacement(t *testing.T) {
	tr := NewTracker()
	rec := observe(t, tr, "Alpha", mustIndex(t, twitchIndex))
	if rec.Channel != "alpha" || len(rec.Assigned) != 2 {
		t.Fatalf("record = %+v", rec)
	}

	res, ok := tr.Resolve("https://weaver/a")
	if !ok || res.URL != "https://weaver/a" || res.Quality != "720p30" {
		t.Fatalf("resolution = %+v ok=%v", res, ok)
	}

	streak, ok := tr.RecordAd(rec.Ref)
	if !ok || streak != 1 {
		t.Fatalf("streak = %d ok=%v", streak, ok)
	}
	if !tr.SetReplacement(rec.Ref, mustIndex(t, replacementIndex).Playlists) {
		t.Fatal("SetReplacement failed")
	}

	res, _ = tr.Resolve("https://weaver/a")
	if res.URL != "https://weaver/a2" || res.Degraded {
		t.Fatalf("resolution = %+v", res)
	}
}

func TestTracker_ResolveIdempotent(t *testing.T) {
	tr := NewTracker()
	rec := observe(t, tr, "alpha", mustIndex(t, twitchIndex))
	tr.SetReplacement(rec.Ref, mustIndex(t, replacementIndex).Playlists)

	first, _ := tr.Resolve("https://weaver/b")
	second, _ := tr.Resolve("https://weaver/b")
	if first.URL != second.URL || first.Degraded != second.Degraded {
		t.Fatalf("resolutions differ: %+v vs %+v", first, second)
	}
	if first.URL != "https://weaver/a2" || !first.Degraded {
		t.Fatalf("degraded fallback = %+v", first)
	}
}

func TestTracker_ResolveUnknown(t *testing.T) {
	tr := NewTracker()
	res, ok := tr.Resolve("https://weaver/zzz")
	if ok || res.URL != "https://weaver/zzz" {
		t.Fatalf("resolution = %+v ok=%v", res, ok)
	}
}

func TestTracker_CooldownAbsorption(t *testing.T) {
	tr := NewTracker()
	rec := observe(t, tr, "alpha", mustIndex(t, twitchIndex))

	tr.RecordAd(rec.Ref)
	tr.RecordAd(rec.Ref)
	streak, cooldown, _ := tr.RecordAdFree(rec.Ref)
	if streak != 2 || cooldown != 14 {
		t.Fatalf("streak=%d cooldown=%d, want 2/14", streak, cooldown)
	}

	for i := 0; i < 14; i++ {
		tr.RecordAdFree(rec.Ref)
	}
	streak, cooldown, _ = tr.RecordAdFree(rec.Ref)
	if streak != 0 || cooldown != 0 {
		t.Fatalf("streak=%d cooldown=%d after cooldown drained", streak, cooldown)
	}
}

func TestTracker_DuplicateIndexKeepsState(t *testing.T) {
	tr := NewTracker()
	rec := observe(t, tr, "alpha", mustIndex(t, twitchIndex))
	tr.RecordAd(rec.Ref)

	again := observe(t, tr, "alpha", mustIndex(t, twitchIndex))
	if again.ID != rec.ID || again.Streak != 1 {
		t.Fatalf("duplicate index replaced the record: %+v", again)
	}

	newer := observe(t, tr, "alpha", mustIndex(t, replacementIndex))
	if newer.ID == rec.ID || newer.Streak != 0 {
		t.Fatalf("new index did not replace the record: %+v", newer)
	}
	if _, ok := tr.RecordAd(rec.Ref); ok {
		t.Fatal("stale ref still mutates")
	}
}

func TestTracker_StaleAfterClear(t *testing.T) {
	tr := NewTracker()
	epoch := tr.Epoch("alpha")
	tr.Clear("alpha")
	if _, err := tr.Observe("alpha", epoch, mustIndex(t, twitchIndex)); !errors.Is(err, ErrStale) {
		t.Fatalf("err = %v, want ErrStale", err)
	}

	epoch = tr.Epoch("beta")
	tr.Clear("")
	if _, err := tr.Observe("beta", epoch, mustIndex(t, twitchIndex)); !errors.Is(err, ErrStale) {
		t.Fatalf("clear-all: err = %v, want ErrStale", err)
	}
}

func TestTracker_ClearDropsRecordAndCache(t *testing.T) {
	tr := NewTracker()
	observe(t, tr, "alpha", mustIndex(t, twitchIndex))
	tr.CacheIndexURL("alpha", "https://usher.ttvnw.net/api/channel/hls/alpha.m3u8")
	tr.MarkFlagged("https://weaver/a")

	tr.Clear("ALPHA")
	if _, ok := tr.Get("alpha"); ok {
		t.Fatal("record survived Clear")
	}
	if _, ok := tr.IndexURL("alpha"); ok {
		t.Fatal("index URL survived Clear")
	}
	if tr.WasFlagged("https://weaver/a") {
		t.Fatal("flag survived Clear")
	}
}

func TestTracker_MarkFlaggedOnce(t *testing.T) {
	tr := NewTracker()
	if !tr.MarkFlagged("https://weaver/a") {
		t.Fatal("first mark should report true")
	}
	if tr.MarkFlagged("https://weaver/a") {
		t.Fatal("second mark should report false")
	}
	observe(t, tr, "alpha", mustIndex(t, twitchIndex))
	if !tr.MarkFlagged("https://weaver/a") {
		t.Fatal("a fresh manifest-index should reset the flag")
	}
}

func TestTracker_ObserveRejectsEmpty(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.Observe("alpha", 0, Index{}); !errors.Is(err, ErrNoPlaylists) {
		t.Fatalf("err = %v", err)
	}
}
