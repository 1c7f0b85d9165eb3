package gstreamer

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/zsiec/vista/internal/decode"
)

func TestParseFPS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 30000.0 / 1001},
		{"25", 25},
		{"0/1", 0},
		{"1/0", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseFPS(tt.in); got != tt.want {
			t.Errorf("parseFPS(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDeinterleave(t *testing.T) {
	t.Parallel()

	// Three stereo frames: L = i, R = -i.
	data := make([]byte, 3*2*4)
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(data[i*8:], math.Float32bits(float32(i)))
		binary.LittleEndian.PutUint32(data[i*8+4:], math.Float32bits(float32(-i)))
	}

	got, err := deinterleave(data, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || len(got[0]) != 3 {
		t.Fatalf("shape: got %dx%d, want 2x3", len(got), len(got[0]))
	}
	for i := 0; i < 3; i++ {
		if got[0][i] != float32(i) || got[1][i] != float32(-i) {
			t.Errorf("frame %d: got %v/%v", i, got[0][i], got[1][i])
		}
	}
}

func TestDeinterleaveNoChannels(t *testing.T) {
	t.Parallel()

	if _, err := deinterleave(make([]byte, 8), 0); !errors.Is(err, decode.ErrUnsupportedFormat) {
		t.Fatalf("got %v, want ErrUnsupportedFormat", err)
	}
}

func TestAudioCaps(t *testing.T) {
	t.Parallel()

	got := audioCaps(decode.AudioFormat{SampleRate: 44100, Channels: 1})
	want := "audio/x-raw,format=F32LE,layout=interleaved,rate=44100,channels=1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestClockSeconds(t *testing.T) {
	t.Parallel()

	if got := clockSeconds(1500 * time.Millisecond); got != 1.5 {
		t.Errorf("got %v, want 1.5", got)
	}
	if got := clockSeconds(-1); got != 0 {
		t.Errorf("clock time none: got %v, want 0", got)
	}
}

func TestLocationURI(t *testing.T) {
	t.Parallel()

	if got, _ := locationURI("https://example.com/a.mp4"); got != "https://example.com/a.mp4" {
		t.Errorf("url passthrough: got %q", got)
	}
	got, err := locationURI("/tmp/clip.mkv")
	if err != nil {
		t.Fatal(err)
	}
	if got != "file:///tmp/clip.mkv" {
		t.Errorf("got %q, want file:///tmp/clip.mkv", got)
	}
}
