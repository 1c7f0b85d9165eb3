package backends

import (
	"testing"

	"github.com/zsiec/vista/internal/decode"
	"github.com/zsiec/vista/internal/decode/ffmpeg"
	"github.com/zsiec/vista/internal/decode/gstreamer"
	"github.com/zsiec/vista/internal/source"
)

func TestOpenClosedSet(t *testing.T) {
	t.Parallel()

	in := &source.Input{Kind: source.KindFile, Location: "/dev/null"}

	b, err := Open(decode.KindFFmpeg, in, decode.Config{})
	if err != nil {
		t.Fatalf("ffmpeg: %v", err)
	}
	if _, ok := b.(*ffmpeg.Backend); !ok {
		t.Errorf("ffmpeg: got %T", b)
	}

	b, err = Open(decode.KindGStreamer, in, decode.Config{})
	if err != nil {
		t.Fatalf("gstreamer: %v", err)
	}
	if _, ok := b.(*gstreamer.Backend); !ok {
		t.Errorf("gstreamer: got %T", b)
	}

	if _, err := Open(decode.Kind(7), in, decode.Config{}); err == nil {
		t.Error("unknown kind: expected error")
	}
}
