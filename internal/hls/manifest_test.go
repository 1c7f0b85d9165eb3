package hls

import (
	"errors"
	"testing"
)

const masterManifest = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2"
https://cdn.example.com/hi/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
/abs-path/mid.m3u8
`

const mediaManifest = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:7
#EXTINF:4.0,
seg7.ts
#EXTINF:4.0,
sub/seg8.ts
#EXTINF:2.5,
http://other.example.com/seg9.ts
#EXT-X-ENDLIST
`

func TestParseMasterManifest(t *testing.T) {
	t.Parallel()

	variants, pl, err := parseManifest([]byte(masterManifest), "https://example.com/live/master.m3u8")
	if err != nil {
		t.Fatalf("parseManifest: %v", err)
	}
	if pl != nil {
		t.Fatal("master manifest returned a media playlist")
	}

	want := []Variant{
		{URI: "https://cdn.example.com/hi/index.m3u8", Bandwidth: 5000000, Resolution: "1920x1080"},
		{URI: "https://example.com/abs-path/mid.m3u8", Bandwidth: 2500000, Resolution: "1280x720"},
		{URI: "https://example.com/live/low/index.m3u8", Bandwidth: 800000, Resolution: "640x360"},
	}
	if len(variants) != len(want) {
		t.Fatalf("got %d variants, want %d", len(variants), len(want))
	}
	for i, w := range want {
		got := variants[i]
		if got.URI != w.URI || got.Bandwidth != w.Bandwidth || got.Resolution != w.Resolution {
			t.Errorf("variant %d: got %+v, want %+v", i, got, w)
		}
	}
}

func TestParseMediaManifest(t *testing.T) {
	t.Parallel()

	variants, pl, err := parseManifest([]byte(mediaManifest), "http://example.com/vod/index.m3u8")
	if err != nil {
		t.Fatalf("parseManifest: %v", err)
	}
	if variants != nil {
		t.Fatal("media manifest returned variants")
	}
	if !pl.closed {
		t.Error("expected closed playlist")
	}

	want := []Segment{
		{URI: "http://example.com/vod/seg7.ts", Duration: 4, Sequence: 7},
		{URI: "http://example.com/vod/sub/seg8.ts", Duration: 4, Sequence: 8},
		{URI: "http://other.example.com/seg9.ts", Duration: 2.5, Sequence: 9},
	}
	if len(pl.segments) != len(want) {
		t.Fatalf("got %d segments, want %d", len(pl.segments), len(want))
	}
	for i, w := range want {
		if pl.segments[i] != w {
			t.Errorf("segment %d: got %+v, want %+v", i, pl.segments[i], w)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	for _, body := range []string{"", "<html>not found</html>", "#EXT-X-TARGETDURATION:4\nseg.ts\n"} {
		_, _, err := parseManifest([]byte(body), "http://example.com/a.m3u8")
		if !errors.Is(err, ErrMalformedManifest) {
			t.Errorf("parseManifest(%q): got %v, want ErrMalformedManifest", body, err)
		}
	}
}

func TestResolveURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base, ref, want string
	}{
		{"http://a.com/x/y/master.m3u8", "v1/index.m3u8", "http://a.com/x/y/v1/index.m3u8"},
		{"http://a.com/x/y/master.m3u8", "../z.ts", "http://a.com/x/z.ts"},
		{"http://a.com/x/y/master.m3u8", "/root.ts", "http://a.com/root.ts"},
		{"http://a.com/x/master.m3u8?tok=1", "seg.ts?tok=2", "http://a.com/x/seg.ts?tok=2"},
		{"http://a.com/x/master.m3u8", "https://b.com/seg.ts", "https://b.com/seg.ts"},
		{"http://a.com/x/master.m3u8", "  seg.ts ", "http://a.com/x/seg.ts"},
	}
	for _, tt := range tests {
		got, err := resolveURI(tt.base, tt.ref)
		if err != nil {
			t.Errorf("resolveURI(%q, %q): %v", tt.base, tt.ref, err)
			continue
		}
		if got != tt.want {
			t.Errorf("resolveURI(%q, %q): got %q, want %q", tt.base, tt.ref, got, tt.want)
		}
	}
}

func TestIsManifestURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"https://example.com/live/master.m3u8", true},
		{"http://example.com/a/INDEX.M3U8?token=abc", true},
		{"http://example.com/list.m3u", true},
		{"https://example.com/movie.mp4", false},
		{"/home/user/master.m3u8", false},
		{"srt://example.com:9000", false},
		{"file.m3u8", false},
	}
	for _, tt := range tests {
		if got := IsManifestURL(tt.in); got != tt.want {
			t.Errorf("IsManifestURL(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}
}
