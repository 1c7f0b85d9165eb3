// Package decode runs the producer side of playback: it drives a decoding
// backend, picks default streams, and pushes converted frames onto the
// bounded queues read by the presenter and the audio engine.
package decode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zsiec/vista/internal/media"
)

var (
	// ErrNoStreams is returned when probing finds nothing to decode.
	ErrNoStreams = errors.New("decode: no decodable streams")
	// ErrUnsupportedFormat marks a frame the backend cannot convert. The
	// producer skips it and continues.
	ErrUnsupportedFormat = errors.New("decode: unsupported format")
	// ErrSeekUnsupported is returned by backends that cannot reposition.
	ErrSeekUnsupported = errors.New("decode: seek unsupported")
)

// Kind selects one of the built-in backends.
type Kind int

const (
	// KindFFmpeg decodes through the libav* libraries.
	KindFFmpeg Kind = iota
	// KindGStreamer decodes through a GStreamer pipeline.
	KindGStreamer
)

func (k Kind) String() string {
	switch k {
	case KindFFmpeg:
		return "ffmpeg"
	case KindGStreamer:
		return "gstreamer"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ffmpeg", "libav":
		return KindFFmpeg, nil
	case "gstreamer", "gst":
		return KindGStreamer, nil
	default:
		return 0, fmt.Errorf("unknown decode backend %q", s)
	}
}

// AudioFormat is the output format audio frames must be resampled to.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// Packet is one demuxed unit. Data is populated for video and subtitle
// packets only.
type Packet struct {
	StreamIndex int
	PTS         float64
	Data        []byte
}

// Frame is a decoded, converted frame. Which fields are set depends on Type.
type Frame struct {
	Type        media.StreamType
	StreamIndex int
	PTS         float64
	Duration    float64

	// Video: packed RGBA at native size.
	Pixels []byte
	Width  int
	Height int

	// Audio: planar float32 at the requested AudioFormat.
	Samples    [][]float32
	SampleRate int

	// Subtitle: opaque payload.
	Data []byte
}

// Backend is the capability set every decoding backend provides. Calls are
// made from a single goroutine. Decode must be called on a packet before
// the next ReadPacket.
type Backend interface {
	// Probe opens the input and reports its streams.
	Probe(ctx context.Context) (*media.DecoderInfo, error)
	// Start prepares decoders. It is called once, after Probe.
	Start(ctx context.Context) error
	// ReadPacket returns the next packet, or io.EOF at end of input.
	ReadPacket(ctx context.Context) (Packet, error)
	// Decode converts a packet into zero or more frames. Audio is
	// resampled to af; a change in af re-creates the resampler.
	Decode(pkt Packet, af AudioFormat) ([]Frame, error)
	// Seek repositions to the given time in seconds.
	Seek(seconds float64) error
	// Close releases every native resource.
	Close() error
}

// Config is shared by the backend constructors.
type Config struct {
	// Audio is the output format expected on the first Decode call.
	Audio  AudioFormat
	Logger *slog.Logger
}

// Log returns the configured logger or slog.Default().
func (c Config) Log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
