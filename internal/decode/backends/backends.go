// Package backends constructs the built-in decoding backends. Open is the
// only place a decode.Kind is mapped to an implementation.
package backends

import (
	"fmt"

	"github.com/zsiec/vista/internal/decode"
	"github.com/zsiec/vista/internal/decode/ffmpeg"
	"github.com/zsiec/vista/internal/decode/gstreamer"
	"github.com/zsiec/vista/internal/source"
)

// Open returns an unprobed backend of the given kind reading from in.
func Open(kind decode.Kind, in *source.Input, cfg decode.Config) (decode.Backend, error) {
	switch kind {
	case decode.KindFFmpeg:
		return ffmpeg.New(in, cfg), nil
	case decode.KindGStreamer:
		return gstreamer.New(in, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported decode backend %v", kind)
	}
}
