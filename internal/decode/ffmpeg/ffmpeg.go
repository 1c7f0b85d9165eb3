// Package ffmpeg is the libav* decoding backend. Inputs are opened by URL or
// through a custom AVIO context over an io.Reader; video is converted to
// RGBA with swscale and audio to planar float32 with swresample.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/vista/internal/decode"
	"github.com/zsiec/vista/internal/media"
	"github.com/zsiec/vista/internal/source"
)

const (
	ioBufferSize = 32 * 1024
	avTimeBase   = 1_000_000
	// rwTimeoutUs bounds network reads for URL inputs (microseconds).
	rwTimeoutUs = "10000000"
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelQuiet)
}

// Backend decodes through libavformat and libavcodec.
type Backend struct {
	log   *slog.Logger
	input *source.Input

	fc   *astiav.FormatContext
	ioc  *astiav.IOContext
	info *media.DecoderInfo

	pkt      *astiav.Packet
	decoders map[int]*decoder
}

var _ decode.Backend = (*Backend)(nil)

// New returns a Backend for the given input. Nothing is opened until Probe.
func New(in *source.Input, cfg decode.Config) *Backend {
	return &Backend{
		log:      cfg.Log().With("component", "ffmpeg"),
		input:    in,
		decoders: make(map[int]*decoder),
	}
}

// Probe opens the input and reads stream parameters.
func (b *Backend) Probe(ctx context.Context) (*media.DecoderInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.fc = astiav.AllocFormatContext()
	if b.fc == nil {
		return nil, errors.New("ffmpeg: alloc format context")
	}

	var url string
	var opts *astiav.Dictionary
	if b.input.Reader != nil {
		ioc, err := astiav.AllocIOContext(ioBufferSize, false, readFunc(b.input.Reader), nil, nil)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: alloc io context: %w", err)
		}
		b.ioc = ioc
		b.fc.SetPb(ioc)
	} else {
		url = b.input.Location
		if b.input.Kind == source.KindURL {
			opts = astiav.NewDictionary()
			defer opts.Free()
			if err := opts.Set("rw_timeout", rwTimeoutUs, astiav.NewDictionaryFlags()); err != nil {
				return nil, fmt.Errorf("ffmpeg: set options: %w", err)
			}
		}
	}

	if err := b.fc.OpenInput(url, nil, opts); err != nil {
		return nil, fmt.Errorf("ffmpeg: open input: %w", err)
	}
	if err := b.fc.FindStreamInfo(nil); err != nil {
		return nil, fmt.Errorf("ffmpeg: find stream info: %w", err)
	}

	info := &media.DecoderInfo{
		Bitrate:  b.fc.BitRate(),
		Duration: durationSeconds(b.fc.Duration()),
	}
	for _, s := range b.fc.Streams() {
		si, ok := streamInfo(s)
		if !ok {
			continue
		}
		info.Streams = append(info.Streams, si)
	}
	b.info = info

	b.log.Info("probed", "streams", len(info.Streams), "duration", info.Duration, "bitrate", info.Bitrate)
	return info, nil
}

// Start allocates the packet reused across reads.
func (b *Backend) Start(context.Context) error {
	if b.fc == nil {
		return errors.New("ffmpeg: start before probe")
	}
	b.pkt = astiav.AllocPacket()
	return nil
}

// ReadPacket reads the next packet from the container.
func (b *Backend) ReadPacket(ctx context.Context) (decode.Packet, error) {
	if err := ctx.Err(); err != nil {
		return decode.Packet{}, err
	}
	b.pkt.Unref()
	if err := b.fc.ReadFrame(b.pkt); err != nil {
		if errors.Is(err, astiav.ErrEof) {
			return decode.Packet{}, io.EOF
		}
		return decode.Packet{}, fmt.Errorf("ffmpeg: read frame: %w", err)
	}

	idx := b.pkt.StreamIndex()
	out := decode.Packet{StreamIndex: idx}
	s, ok := b.info.Stream(idx)
	if !ok {
		return out, nil
	}
	out.PTS = tsSeconds(b.pkt.Pts(), b.fc.Streams()[idx].TimeBase())
	if s.Type == media.StreamVideo || s.Type == media.StreamSubtitle {
		out.Data = b.pkt.Data()
	}
	return out, nil
}

// Decode sends the current packet to its stream's decoder and converts
// every frame it yields.
func (b *Backend) Decode(pkt decode.Packet, af decode.AudioFormat) ([]decode.Frame, error) {
	s, ok := b.info.Stream(pkt.StreamIndex)
	if !ok {
		return nil, nil
	}
	if s.Type == media.StreamSubtitle {
		return []decode.Frame{{
			Type:        media.StreamSubtitle,
			StreamIndex: pkt.StreamIndex,
			PTS:         pkt.PTS,
			Duration:    tsSeconds(b.pkt.Duration(), b.fc.Streams()[pkt.StreamIndex].TimeBase()),
			Data:        pkt.Data,
		}}, nil
	}

	d, err := b.decoder(s)
	if err != nil {
		return nil, err
	}
	return d.decode(b.pkt, af)
}

func (b *Backend) decoder(s media.StreamInfo) (*decoder, error) {
	if d, ok := b.decoders[s.Index]; ok {
		return d, nil
	}
	d, err := newDecoder(b.fc.Streams()[s.Index], s)
	if err != nil {
		return nil, err
	}
	b.decoders[s.Index] = d
	b.log.Debug("decoder opened", "stream", s.Index, "codec", s.Codec)
	return d, nil
}

// Seek repositions to the keyframe at or before seconds and drops decoder
// state. Reader-backed inputs cannot seek.
func (b *Backend) Seek(seconds float64) error {
	if b.input.Reader != nil {
		return decode.ErrSeekUnsupported
	}
	ts := int64(seconds * avTimeBase)
	if err := b.fc.SeekFrame(-1, ts, astiav.NewSeekFlags(astiav.SeekFlagBackward)); err != nil {
		return fmt.Errorf("ffmpeg: seek: %w", err)
	}
	b.closeDecoders()
	return nil
}

func (b *Backend) closeDecoders() {
	for idx, d := range b.decoders {
		d.free()
		delete(b.decoders, idx)
	}
}

// Close frees every libav resource. It is safe to call more than once.
func (b *Backend) Close() error {
	b.closeDecoders()
	if b.pkt != nil {
		b.pkt.Free()
		b.pkt = nil
	}
	if b.fc != nil {
		b.fc.CloseInput()
		b.fc.Free()
		b.fc = nil
	}
	if b.ioc != nil {
		b.ioc.Free()
		b.ioc = nil
	}
	return nil
}

// readFunc adapts an io.Reader to the AVIO read callback.
func readFunc(r io.Reader) astiav.IOContextReadFunc {
	return func(p []byte) (int, error) {
		n, err := r.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == nil || errors.Is(err, io.EOF) {
			return 0, astiav.ErrEof
		}
		return 0, err
	}
}

func streamInfo(s *astiav.Stream) (media.StreamInfo, bool) {
	cp := s.CodecParameters()
	si := media.StreamInfo{
		Index:   s.Index(),
		Codec:   cp.CodecID().String(),
		Bitrate: cp.BitRate(),
	}
	switch cp.MediaType() {
	case astiav.MediaTypeVideo:
		si.Type = media.StreamVideo
		si.Width = cp.Width()
		si.Height = cp.Height()
		si.Format = cp.PixelFormat().String()
		si.FPS = s.AvgFrameRate().Float64()
		if si.FPS == 0 {
			si.FPS = s.RFrameRate().Float64()
		}
	case astiav.MediaTypeAudio:
		si.Type = media.StreamAudio
		si.SampleRate = cp.SampleRate()
		si.Channels = cp.ChannelLayout().Channels()
		si.Format = cp.SampleFormat().String()
	case astiav.MediaTypeSubtitle:
		si.Type = media.StreamSubtitle
	default:
		return si, false
	}
	if md := s.Metadata(); md != nil {
		if e := md.Get("language", nil, astiav.NewDictionaryFlags()); e != nil {
			si.Language = strings.TrimSpace(e.Value())
		}
	}
	return si, true
}
