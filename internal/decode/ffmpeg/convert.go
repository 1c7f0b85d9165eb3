package ffmpeg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/vista/internal/decode"
	"github.com/zsiec/vista/internal/media"
)

// noPTS is AV_NOPTS_VALUE.
const noPTS = math.MinInt64

// decoder owns one stream's codec context and conversion state.
type decoder struct {
	info     media.StreamInfo
	timeBase astiav.Rational
	frameDur float64

	cc    *astiav.CodecContext
	frame *astiav.Frame

	// video
	sws    *astiav.SoftwareScaleContext
	rgba   *astiav.Frame
	swsKey scaleKey

	// audio
	swr    *astiav.SoftwareResampleContext
	pcm    *astiav.Frame
	format decode.AudioFormat
}

type scaleKey struct {
	w, h int
	pf   astiav.PixelFormat
}

func newDecoder(s *astiav.Stream, info media.StreamInfo) (*decoder, error) {
	cp := s.CodecParameters()
	codec := astiav.FindDecoder(cp.CodecID())
	if codec == nil {
		return nil, fmt.Errorf("%w: no decoder for %s", decode.ErrUnsupportedFormat, info.Codec)
	}
	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, fmt.Errorf("ffmpeg: alloc codec context for %s", info.Codec)
	}
	if err := cp.ToCodecContext(cc); err != nil {
		cc.Free()
		return nil, fmt.Errorf("ffmpeg: codec parameters: %w", err)
	}
	if err := cc.Open(codec, nil); err != nil {
		cc.Free()
		return nil, fmt.Errorf("ffmpeg: open %s decoder: %w", info.Codec, err)
	}

	d := &decoder{
		info:     info,
		timeBase: s.TimeBase(),
		cc:       cc,
		frame:    astiav.AllocFrame(),
	}
	if info.FPS > 0 {
		d.frameDur = 1 / info.FPS
	}
	return d, nil
}

func (d *decoder) decode(pkt *astiav.Packet, af decode.AudioFormat) ([]decode.Frame, error) {
	if err := d.cc.SendPacket(pkt); err != nil && !errors.Is(err, astiav.ErrEagain) {
		if errors.Is(err, astiav.ErrInvaliddata) {
			return nil, fmt.Errorf("%w: %v", decode.ErrUnsupportedFormat, err)
		}
		return nil, fmt.Errorf("ffmpeg: send packet: %w", err)
	}

	var out []decode.Frame
	for {
		if err := d.cc.ReceiveFrame(d.frame); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return out, nil
			}
			return out, fmt.Errorf("ffmpeg: receive frame: %w", err)
		}

		var (
			f   decode.Frame
			err error
		)
		switch d.info.Type {
		case media.StreamVideo:
			f, err = d.convertVideo()
		case media.StreamAudio:
			f, err = d.convertAudio(af)
		}
		d.frame.Unref()
		if err != nil {
			return out, err
		}
		if f.Type == d.info.Type {
			out = append(out, f)
		}
	}
}

func (d *decoder) convertVideo() (decode.Frame, error) {
	key := scaleKey{w: d.frame.Width(), h: d.frame.Height(), pf: d.frame.PixelFormat()}
	if d.sws == nil || key != d.swsKey {
		d.freeScaler()
		sws, err := astiav.CreateSoftwareScaleContext(key.w, key.h, key.pf, key.w, key.h,
			astiav.PixelFormatRgba, astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear))
		if err != nil {
			return decode.Frame{}, fmt.Errorf("%w: scale %s %dx%d: %v", decode.ErrUnsupportedFormat, key.pf, key.w, key.h, err)
		}
		d.sws = sws
		d.swsKey = key
		d.rgba = astiav.AllocFrame()
	}

	d.rgba.Unref()
	d.rgba.SetWidth(key.w)
	d.rgba.SetHeight(key.h)
	d.rgba.SetPixelFormat(astiav.PixelFormatRgba)
	if err := d.rgba.AllocBuffer(1); err != nil {
		return decode.Frame{}, fmt.Errorf("ffmpeg: alloc rgba buffer: %w", err)
	}
	if err := d.sws.ScaleFrame(d.frame, d.rgba); err != nil {
		return decode.Frame{}, fmt.Errorf("%w: scale: %v", decode.ErrUnsupportedFormat, err)
	}
	pixels, err := d.rgba.Data().Bytes(1)
	if err != nil {
		return decode.Frame{}, fmt.Errorf("ffmpeg: rgba bytes: %w", err)
	}

	return decode.Frame{
		Type:        media.StreamVideo,
		StreamIndex: d.info.Index,
		PTS:         tsSeconds(d.frame.Pts(), d.timeBase),
		Duration:    d.frameDur,
		Pixels:      pixels,
		Width:       key.w,
		Height:      key.h,
	}, nil
}

func (d *decoder) convertAudio(af decode.AudioFormat) (decode.Frame, error) {
	layout, channels := layoutFor(af.Channels)
	if d.swr == nil || d.format != af {
		d.freeResampler()
		d.swr = astiav.AllocSoftwareResampleContext()
		d.pcm = astiav.AllocFrame()
		d.format = af
	}

	d.pcm.Unref()
	d.pcm.SetChannelLayout(layout)
	d.pcm.SetSampleFormat(astiav.SampleFormatFltp)
	d.pcm.SetSampleRate(af.SampleRate)
	if err := d.swr.ConvertFrame(d.frame, d.pcm); err != nil {
		return decode.Frame{}, fmt.Errorf("%w: resample: %v", decode.ErrUnsupportedFormat, err)
	}
	n := d.pcm.NbSamples()
	if n == 0 {
		return decode.Frame{}, nil
	}
	raw, err := d.pcm.Data().Bytes(1)
	if err != nil {
		return decode.Frame{}, fmt.Errorf("ffmpeg: pcm bytes: %w", err)
	}
	samples, err := planarFloats(raw, channels, n)
	if err != nil {
		return decode.Frame{}, err
	}

	return decode.Frame{
		Type:        media.StreamAudio,
		StreamIndex: d.info.Index,
		PTS:         tsSeconds(d.frame.Pts(), d.timeBase),
		Duration:    float64(n) / float64(af.SampleRate),
		Samples:     samples,
		SampleRate:  af.SampleRate,
	}, nil
}

func (d *decoder) freeScaler() {
	if d.sws != nil {
		d.sws.Free()
		d.sws = nil
	}
	if d.rgba != nil {
		d.rgba.Free()
		d.rgba = nil
	}
}

func (d *decoder) freeResampler() {
	if d.swr != nil {
		d.swr.Free()
		d.swr = nil
	}
	if d.pcm != nil {
		d.pcm.Free()
		d.pcm = nil
	}
}

func (d *decoder) free() {
	d.freeScaler()
	d.freeResampler()
	if d.frame != nil {
		d.frame.Free()
	}
	if d.cc != nil {
		d.cc.Free()
	}
}

// layoutFor maps an output channel count to a libav layout. Counts other
// than mono are rendered as stereo; the audio engine upmixes or drops
// channels to match the device.
func layoutFor(channels int) (astiav.ChannelLayout, int) {
	if channels == 1 {
		return astiav.ChannelLayoutMono, 1
	}
	return astiav.ChannelLayoutStereo, 2
}

// planarFloats splits tightly packed FLTP planes into per-channel slices.
func planarFloats(raw []byte, channels, n int) ([][]float32, error) {
	plane := n * 4
	if len(raw) < plane*channels {
		return nil, fmt.Errorf("ffmpeg: pcm buffer %d bytes, want %d", len(raw), plane*channels)
	}
	out := make([][]float32, channels)
	for ch := range out {
		src := raw[ch*plane : (ch+1)*plane]
		dst := make([]float32, n)
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
		out[ch] = dst
	}
	return out, nil
}

// tsSeconds converts a stream timestamp to seconds. Missing timestamps map
// to zero.
func tsSeconds(ts int64, tb astiav.Rational) float64 {
	if ts == noPTS || tb.Den() == 0 {
		return 0
	}
	return float64(ts) * float64(tb.Num()) / float64(tb.Den())
}

// durationSeconds converts an AV_TIME_BASE duration to seconds.
func durationSeconds(d int64) float64 {
	if d == noPTS || d <= 0 {
		return 0
	}
	return float64(d) / avTimeBase
}
