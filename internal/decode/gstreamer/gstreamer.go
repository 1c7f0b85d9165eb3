// Package gstreamer is the GStreamer decoding backend. A decodebin (fed by
// uridecodebin for locations or appsrc for byte streams) produces raw pads
// that are converted to RGBA video and interleaved F32LE audio and pulled
// from appsinks.
package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/zsiec/vista/internal/decode"
	"github.com/zsiec/vista/internal/media"
	"github.com/zsiec/vista/internal/source"
)

const (
	probeTimeout   = 10 * time.Second
	busPollTimeout = 50 * time.Millisecond
	sampleQueue    = 16
	appsrcChunk    = 64 * 1024
	appsrcMaxBytes = 4 * 1024 * 1024
)

var initOnce sync.Once

// sample is one buffer pulled from an appsink.
type sample struct {
	kind     media.StreamType
	data     []byte
	pts      float64
	duration float64
	width    int
	height   int
	rate     int
	channels int
}

// Backend decodes through a GStreamer pipeline.
type Backend struct {
	log   *slog.Logger
	input *source.Input

	pipeline *gst.Pipeline
	acaps    *gst.Element
	format   decode.AudioFormat

	mu       sync.Mutex
	streams  []media.StreamInfo
	hasVideo bool
	hasAudio bool

	samples chan sample
	busErr  chan error
	closed  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	cur sample
}

var _ decode.Backend = (*Backend)(nil)

// New returns a Backend for the given input. The pipeline is built by Probe.
func New(in *source.Input, cfg decode.Config) *Backend {
	af := cfg.Audio
	if af.SampleRate <= 0 {
		af.SampleRate = 48000
	}
	if af.Channels <= 0 {
		af.Channels = 2
	}
	return &Backend{
		log:     cfg.Log().With("component", "gstreamer"),
		input:   in,
		format:  af,
		samples: make(chan sample, sampleQueue),
		busErr:  make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// Probe builds the pipeline and prerolls it so every decoded pad and its
// caps are known.
func (b *Backend) Probe(ctx context.Context) (*media.DecoderInfo, error) {
	initOnce.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstreamer: create pipeline: %w", err)
	}
	b.pipeline = pipeline

	if err := b.buildSource(); err != nil {
		return nil, err
	}
	if err := pipeline.SetState(gst.StatePaused); err != nil {
		return nil, fmt.Errorf("gstreamer: pause pipeline: %w", err)
	}
	if err := b.waitPreroll(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	streams := append([]media.StreamInfo(nil), b.streams...)
	b.mu.Unlock()
	if len(streams) == 0 {
		return nil, decode.ErrNoStreams
	}

	info := &media.DecoderInfo{Streams: streams}
	if ok, dur := pipeline.QueryDuration(gst.FormatTime); ok && dur > 0 {
		info.Duration = time.Duration(dur).Seconds()
	}
	b.log.Info("probed", "streams", len(streams), "duration", info.Duration)
	return info, nil
}

func (b *Backend) buildSource() error {
	var decoder *gst.Element
	if b.input.Reader != nil {
		src, err := app.NewAppSrc()
		if err != nil {
			return fmt.Errorf("gstreamer: create appsrc: %w", err)
		}
		src.SetProperty("block", true)
		src.SetProperty("max-bytes", uint64(appsrcMaxBytes))
		decoder, err = gst.NewElement("decodebin")
		if err != nil {
			return fmt.Errorf("gstreamer: create decodebin: %w", err)
		}
		if err := b.pipeline.AddMany(src.Element, decoder); err != nil {
			return fmt.Errorf("gstreamer: add source: %w", err)
		}
		if err := src.Element.Link(decoder); err != nil {
			return fmt.Errorf("gstreamer: link appsrc: %w", err)
		}
		b.wg.Add(1)
		go b.feed(src, b.input.Reader)
	} else {
		uri, err := locationURI(b.input.Location)
		if err != nil {
			return err
		}
		decoder, err = gst.NewElement("uridecodebin")
		if err != nil {
			return fmt.Errorf("gstreamer: create uridecodebin: %w", err)
		}
		decoder.SetProperty("uri", uri)
		if err := b.pipeline.Add(decoder); err != nil {
			return fmt.Errorf("gstreamer: add source: %w", err)
		}
	}

	decoder.Connect("pad-added", func(self *gst.Element, pad *gst.Pad) {
		b.onPadAdded(pad)
	})
	return nil
}

// feed pushes the input byte stream into appsrc until EOF or Close.
func (b *Backend) feed(src *app.Source, r io.Reader) {
	defer b.wg.Done()
	buf := make([]byte, appsrcChunk)
	for {
		select {
		case <-b.closed:
			return
		default:
		}
		n, err := r.Read(buf)
		if n > 0 {
			if ret := src.PushBuffer(gst.NewBufferFromBytes(append([]byte(nil), buf[:n]...))); ret != gst.FlowOK {
				b.log.Debug("appsrc push stopped", "flow", ret)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.log.Warn("input read failed", "error", err)
			}
			src.EndStream()
			return
		}
	}
}

func (b *Backend) onPadAdded(pad *gst.Pad) {
	caps := pad.GetCurrentCaps()
	if caps == nil || caps.GetSize() == 0 {
		b.linkFakesink(pad)
		return
	}
	st := caps.GetStructureAt(0)
	name := st.Name()

	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	switch {
	case strings.HasPrefix(name, "video/") && !b.hasVideo:
		err = b.linkVideo(pad)
		if err == nil {
			b.hasVideo = true
			b.streams = append(b.streams, media.StreamInfo{
				Type:   media.StreamVideo,
				Index:  len(b.streams),
				Codec:  name,
				Format: stringField(st, "format"),
				Width:  intField(st, "width"),
				Height: intField(st, "height"),
				FPS:    parseFPS(fieldString(st, "framerate")),
			})
		}
	case strings.HasPrefix(name, "audio/") && !b.hasAudio:
		err = b.linkAudio(pad)
		if err == nil {
			b.hasAudio = true
			b.streams = append(b.streams, media.StreamInfo{
				Type:       media.StreamAudio,
				Index:      len(b.streams),
				Codec:      name,
				Format:     stringField(st, "format"),
				SampleRate: intField(st, "rate"),
				Channels:   intField(st, "channels"),
			})
		}
	default:
		b.linkFakesink(pad)
		return
	}
	if err != nil {
		b.log.Error("failed to link decoded pad", "caps", name, "error", err)
		b.linkFakesink(pad)
	}
}

func (b *Backend) linkVideo(pad *gst.Pad) error {
	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return err
	}
	filter, err := gst.NewElement("capsfilter")
	if err != nil {
		return err
	}
	filter.SetProperty("caps", gst.NewCapsFromString("video/x-raw,format=RGBA"))
	sink, err := b.newSink(media.StreamVideo)
	if err != nil {
		return err
	}
	return b.linkBranch(pad, convert, filter, sink.Element)
}

func (b *Backend) linkAudio(pad *gst.Pad) error {
	convert, err := gst.NewElement("audioconvert")
	if err != nil {
		return err
	}
	resample, err := gst.NewElement("audioresample")
	if err != nil {
		return err
	}
	filter, err := gst.NewElement("capsfilter")
	if err != nil {
		return err
	}
	filter.SetProperty("caps", gst.NewCapsFromString(audioCaps(b.format)))
	b.acaps = filter
	sink, err := b.newSink(media.StreamAudio)
	if err != nil {
		return err
	}
	return b.linkBranch(pad, convert, resample, filter, sink.Element)
}

func (b *Backend) linkFakesink(pad *gst.Pad) {
	sink, err := gst.NewElement("fakesink")
	if err != nil {
		return
	}
	sink.SetProperty("sync", false)
	if err := b.linkBranch(pad, sink); err != nil {
		b.log.Debug("fakesink link failed", "error", err)
	}
}

// linkBranch adds elements to the running pipeline, links them in order and
// connects pad to the first one.
func (b *Backend) linkBranch(pad *gst.Pad, elems ...*gst.Element) error {
	if err := b.pipeline.AddMany(elems...); err != nil {
		return err
	}
	if len(elems) > 1 {
		if err := gst.ElementLinkMany(elems...); err != nil {
			return err
		}
	}
	for _, e := range elems {
		e.SyncStateWithParent()
	}
	sinkPad := elems[0].GetStaticPad("sink")
	if sinkPad == nil {
		return errors.New("no sink pad")
	}
	if ret := pad.Link(sinkPad); ret != gst.PadLinkOK {
		return fmt.Errorf("pad link: %v", ret)
	}
	return nil
}

func (b *Backend) newSink(kind media.StreamType) (*app.Sink, error) {
	sink, err := app.NewAppSink()
	if err != nil {
		return nil, err
	}
	sink.SetProperty("sync", false)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			return b.onSample(kind, s)
		},
	})
	return sink, nil
}

func (b *Backend) onSample(kind media.StreamType, sink *app.Sink) gst.FlowReturn {
	smp := sink.PullSample()
	if smp == nil {
		return gst.FlowEOS
	}
	buffer := smp.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	s := sample{
		kind:     kind,
		data:     append([]byte(nil), data...),
		pts:      clockSeconds(time.Duration(buffer.PresentationTimestamp())),
		duration: clockSeconds(time.Duration(buffer.Duration())),
	}
	buffer.Unmap()

	if caps := smp.GetCaps(); caps != nil && caps.GetSize() > 0 {
		st := caps.GetStructureAt(0)
		s.width = intField(st, "width")
		s.height = intField(st, "height")
		s.rate = intField(st, "rate")
		s.channels = intField(st, "channels")
	}

	select {
	case b.samples <- s:
		return gst.FlowOK
	case <-b.closed:
		return gst.FlowFlushing
	}
}

// waitPreroll pops bus messages until the pipeline reaches PAUSED.
func (b *Backend) waitPreroll(ctx context.Context) error {
	bus := b.pipeline.GetPipelineBus()
	deadline := time.Now().Add(probeTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := bus.TimedPop(busPollTimeout)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageAsyncDone:
			return nil
		case gst.MessageEOS:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("gstreamer: preroll: %s (%s)", gerr.Error(), gerr.DebugString())
		}
	}
	return fmt.Errorf("gstreamer: preroll timed out after %s", probeTimeout)
}

// Start sets the pipeline playing and watches the bus for EOS and errors.
func (b *Backend) Start(ctx context.Context) error {
	if b.pipeline == nil {
		return errors.New("gstreamer: start before probe")
	}
	if err := b.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstreamer: play pipeline: %w", err)
	}
	b.wg.Add(1)
	go b.watchBus()
	return nil
}

func (b *Backend) watchBus() {
	defer b.wg.Done()
	bus := b.pipeline.GetPipelineBus()
	for {
		select {
		case <-b.closed:
			return
		default:
		}
		msg := bus.TimedPop(busPollTimeout)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			b.busErr <- io.EOF
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			b.busErr <- fmt.Errorf("gstreamer: %s (%s)", gerr.Error(), gerr.DebugString())
			return
		case gst.MessageStateChanged:
			if msg.Source() == b.pipeline.GetName() {
				old, cur := msg.ParseStateChanged()
				b.log.Debug("pipeline state changed", "from", old, "to", cur)
			}
		}
	}
}

// ReadPacket waits for the next pulled buffer. Buffered samples are
// returned before a pending EOS or error.
func (b *Backend) ReadPacket(ctx context.Context) (decode.Packet, error) {
	select {
	case s := <-b.samples:
		return b.packet(s), nil
	default:
	}
	select {
	case s := <-b.samples:
		return b.packet(s), nil
	case err := <-b.busErr:
		select {
		case s := <-b.samples:
			b.busErr <- err
			return b.packet(s), nil
		default:
		}
		return decode.Packet{}, err
	case <-ctx.Done():
		return decode.Packet{}, ctx.Err()
	}
}

func (b *Backend) packet(s sample) decode.Packet {
	b.cur = s
	return decode.Packet{StreamIndex: b.streamIndex(s.kind), PTS: s.pts}
}

func (b *Backend) streamIndex(kind media.StreamType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.streams {
		if st.Type == kind {
			return st.Index
		}
	}
	return -1
}

// Decode converts the buffer returned by the last ReadPacket. A change in
// af updates the audio capsfilter; buffers already queued keep their old
// format and are converted at their own rate.
func (b *Backend) Decode(pkt decode.Packet, af decode.AudioFormat) ([]decode.Frame, error) {
	if af != b.format && af.SampleRate > 0 && af.Channels > 0 {
		b.format = af
		if b.acaps != nil {
			b.acaps.SetProperty("caps", gst.NewCapsFromString(audioCaps(af)))
			b.log.Debug("audio caps updated", "sample_rate", af.SampleRate, "channels", af.Channels)
		}
	}

	s := b.cur
	switch s.kind {
	case media.StreamVideo:
		if s.width <= 0 || s.height <= 0 || len(s.data) < s.width*s.height*4 {
			return nil, fmt.Errorf("%w: video buffer %d bytes for %dx%d", decode.ErrUnsupportedFormat, len(s.data), s.width, s.height)
		}
		return []decode.Frame{{
			Type:        media.StreamVideo,
			StreamIndex: pkt.StreamIndex,
			PTS:         s.pts,
			Duration:    s.duration,
			Pixels:      s.data[:s.width*s.height*4],
			Width:       s.width,
			Height:      s.height,
		}}, nil
	case media.StreamAudio:
		samples, err := deinterleave(s.data, s.channels)
		if err != nil {
			return nil, err
		}
		return []decode.Frame{{
			Type:        media.StreamAudio,
			StreamIndex: pkt.StreamIndex,
			PTS:         s.pts,
			Duration:    s.duration,
			Samples:     samples,
			SampleRate:  s.rate,
		}}, nil
	}
	return nil, nil
}

// Seek is not supported by this backend.
func (b *Backend) Seek(float64) error { return decode.ErrSeekUnsupported }

// Close stops the pipeline and waits for helper goroutines. A reader-backed
// input is closed first so feed cannot stay blocked in Read.
func (b *Backend) Close() error {
	b.once.Do(func() {
		close(b.closed)
		if b.input != nil && b.input.Reader != nil {
			b.input.Close()
		}
		if b.pipeline != nil {
			if err := b.pipeline.SetState(gst.StateNull); err != nil {
				b.log.Warn("failed to stop pipeline", "error", err)
			}
		}
	})
	b.wg.Wait()
	return nil
}

// locationURI turns a file path or URL into a URI uridecodebin accepts.
func locationURI(location string) (string, error) {
	if strings.Contains(location, "://") {
		return location, nil
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		return "", fmt.Errorf("gstreamer: resolve path: %w", err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}
