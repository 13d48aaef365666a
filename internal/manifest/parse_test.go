package manifest

import (
	"errors"
	"net/url"
	"testing"
)

const twitchIndex = `#EXTM3U
#EXT-X-TWITCH-INFO:NODE="video-edge-c2a0a4.fra05",USER-COUNTRY="DE",SERVING-ID="abc"
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="720p30",NAME="720p",AUTOSELECT=YES,DEFAULT=YES
#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1280x720,CODECS="avc1.4D401F,mp4a.40.2",VIDEO="720p30",FRAME-RATE=30.000
https://weaver/a
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="480p30",NAME="480p",AUTOSELECT=YES,DEFAULT=YES
#EXT-X-STREAM-INF:BANDWIDTH=1400000,RESOLUTION=852x480,CODECS="avc1.4D401F,mp4a.40.2",VIDEO="480p30",FRAME-RATE=30.000
https://weaver/b
`

func TestParseIndex_TwitchMaster(t *testing.T) {
	idx, err := ParseIndex([]byte(twitchIndex), nil)
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	want := []Playlist{
		{Quality: "720p30", URL: "https://weaver/a"},
		{Quality: "480p30", URL: "https://weaver/b"},
	}
	if len(idx.Playlists) != len(want) {
		t.Fatalf("playlists = %+v", idx.Playlists)
	}
	for i := range want {
		if idx.Playlists[i] != want[i] {
			t.Fatalf("playlists[%d] = %+v, want %+v", i, idx.Playlists[i], want[i])
		}
	}
	if idx.ProxyCountry != "DE" {
		t.Fatalf("proxy country = %q", idx.ProxyCountry)
	}
	if idx.Fingerprint == 0 {
		t.Fatal("fingerprint not set")
	}
}

func TestParseIndex_Empty(t *testing.T) {
	tests := []string{
		"",
		"#EXTM3U\n",
		"#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXTINF:2.000,live\nhttps://seg/1.ts\n",
		"not a playlist at all",
	}
	for _, body := range tests {
		if _, err := ParseIndex([]byte(body), nil); !errors.Is(err, ErrNoPlaylists) {
			t.Fatalf("ParseIndex(%q) err = %v, want ErrNoPlaylists", body, err)
		}
	}
}

func TestParseIndex_DuplicateQualityFirstWins(t *testing.T) {
	body := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1,VIDEO="720p30"
https://weaver/first
#EXT-X-STREAM-INF:BANDWIDTH=2,VIDEO="720p30"
https://weaver/second
`
	idx, err := ParseIndex([]byte(body), nil)
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	if len(idx.Playlists) != 1 || idx.Playlists[0].URL != "https://weaver/first" {
		t.Fatalf("playlists = %+v", idx.Playlists)
	}
}

func TestParseIndex_ResolvesRelative(t *testing.T) {
	body := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1,VIDEO=\"chunked\"\nv1/playlist.m3u8\n"
	base, _ := url.Parse("https://usher.ttvnw.net/api/channel/hls/abc.m3u8")
	idx, err := ParseIndex([]byte(body), base)
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	if got := idx.Playlists[0].URL; got != "https://usher.ttvnw.net/api/channel/hls/v1/playlist.m3u8" {
		t.Fatalf("url = %q", got)
	}
}

func TestParseFallback(t *testing.T) {
	body := []byte("#EXT-X-STREAM-INF:BANDWIDTH=1,RESOLUTION=640x360\nhttps://weaver/c\n#EXT-X-STREAM-INF:VIDEO=\"audio_only\",BANDWIDTH=2\n\nhttps://weaver/d\n")
	got := parseFallback(body)
	if len(got) != 2 {
		t.Fatalf("entries = %+v", got)
	}
	if got[0].Quality != "640x360" || got[1].Quality != "audio_only" || got[1].URL != "https://weaver/d" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestProxyCountry(t *testing.T) {
	if got := ProxyCountry([]byte(`#EXT-X-TWITCH-INFO:user-country="us"`)); got != "US" {
		t.Fatalf("got %q", got)
	}
	if got := ProxyCountry([]byte("#EXTM3U")); got != "" {
		t.Fatalf("got %q", got)
	}
}
