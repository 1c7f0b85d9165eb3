package media

import "testing"

func TestDecoderInfoLookup(t *testing.T) {
	t.Parallel()

	info := &DecoderInfo{Streams: []StreamInfo{
		{Type: StreamVideo, Index: 0, Width: 640, Height: 480},
		{Type: StreamAudio, Index: 1, Bitrate: 64000},
		{Type: StreamAudio, Index: 2, Bitrate: 128000},
	}}

	s, ok := info.Stream(2)
	if !ok || s.Bitrate != 128000 {
		t.Fatalf("Stream(2): got %+v, %v", s, ok)
	}
	if _, ok := info.Stream(9); ok {
		t.Fatal("Stream(9) found a stream")
	}

	audio := info.ByType(StreamAudio)
	if len(audio) != 2 || audio[0].Index != 1 || audio[1].Index != 2 {
		t.Fatalf("ByType(audio): got %+v", audio)
	}
	if got := info.ByType(StreamSubtitle); len(got) != 0 {
		t.Fatalf("ByType(subtitle): got %d streams, want 0", len(got))
	}
}

func TestStreamTypeString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  StreamType
		want string
	}{
		{StreamVideo, "video"},
		{StreamAudio, "audio"},
		{StreamSubtitle, "subtitle"},
		{StreamType(7), "StreamType(7)"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("String(): got %q, want %q", got, tt.want)
		}
	}
}
