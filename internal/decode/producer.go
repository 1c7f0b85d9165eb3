package decode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/vista/internal/captions"
	"github.com/zsiec/vista/internal/media"
	"github.com/zsiec/vista/internal/playback"
)

// Phase is the producer's lifecycle position.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseProbing
	PhaseStreaming
	PhaseEnded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseProbing:
		return "probing"
	case PhaseStreaming:
		return "streaming"
	case PhaseEnded:
		return "ended"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	// Captions enables CEA-608/708 extraction from H.264/HEVC packets
	// of the selected video stream.
	Captions bool
	Logger   *slog.Logger
}

// Stats are producer counters, safe to read while running.
type Stats struct {
	Phase            string `json:"phase"`
	PacketsRead      int64  `json:"packetsRead"`
	PacketsDiscarded int64  `json:"packetsDiscarded"`
	VideoFrames      int64  `json:"videoFrames"`
	AudioChunks      int64  `json:"audioChunks"`
	SubtitlePackets  int64  `json:"subtitlePackets"`
	Captions         int64  `json:"captions"`
	SubtitlesDropped int64  `json:"subtitlesDropped"`
	FramesSkipped    int64  `json:"framesSkipped"`
	Seeks            int64  `json:"seeks"`
	Renegotiations   int64  `json:"renegotiations"`
}

// Producer drives a Backend from probing to end of stream, pushing frames
// onto the session's queues. Run is called once; Done, Err and Phase report
// how it stopped.
type Producer struct {
	log      *slog.Logger
	backend  Backend
	state    *playback.State
	queues   media.Queues
	captions *captions.Extractor

	info   *media.DecoderInfo
	fifo   fifo
	format AudioFormat
	epoch  uint64

	phase atomic.Int32
	done  chan struct{}
	err   error

	packetsRead      atomic.Int64
	packetsDiscarded atomic.Int64
	videoFrames      atomic.Int64
	audioChunks      atomic.Int64
	subtitlePackets  atomic.Int64
	captionCount     atomic.Int64
	subtitlesDropped atomic.Int64
	framesSkipped    atomic.Int64
	seeks            atomic.Int64
	renegotiations   atomic.Int64
}

// NewProducer creates a Producer reading from backend. The producer never
// closes the queues; they belong to the caller.
func NewProducer(backend Backend, state *playback.State, queues media.Queues, cfg ProducerConfig) *Producer {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Producer{
		log:     log.With("component", "producer"),
		backend: backend,
		state:   state,
		queues:  queues,
		done:    make(chan struct{}),
	}
	if cfg.Captions {
		p.captions = captions.NewExtractor()
	}
	return p
}

// Phase returns the current lifecycle phase.
func (p *Producer) Phase() Phase { return Phase(p.phase.Load()) }

// Done is closed once Run has returned.
func (p *Producer) Done() <-chan struct{} { return p.done }

// Err returns nil after a clean end of stream and the cause of failure
// otherwise. It is only meaningful after Done is closed.
func (p *Producer) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Info returns the probed stream inventory, or nil before probing finishes.
func (p *Producer) Info() *media.DecoderInfo {
	if p.Phase() < PhaseStreaming {
		return nil
	}
	return p.info
}

// Stats returns a snapshot of the producer counters.
func (p *Producer) Stats() Stats {
	return Stats{
		Phase:            p.Phase().String(),
		PacketsRead:      p.packetsRead.Load(),
		PacketsDiscarded: p.packetsDiscarded.Load(),
		VideoFrames:      p.videoFrames.Load(),
		AudioChunks:      p.audioChunks.Load(),
		SubtitlePackets:  p.subtitlePackets.Load(),
		Captions:         p.captionCount.Load(),
		SubtitlesDropped: p.subtitlesDropped.Load(),
		FramesSkipped:    p.framesSkipped.Load(),
		Seeks:            p.seeks.Load(),
		Renegotiations:   p.renegotiations.Load(),
	}
}

// Run probes, streams until end of input, and returns nil on a clean end.
// Cancelling ctx stops it with ctx.Err().
func (p *Producer) Run(ctx context.Context) error {
	defer close(p.done)

	err := p.run(ctx)
	if errors.Is(err, io.EOF) {
		p.phase.Store(int32(PhaseEnded))
		p.log.Info("end of stream", "packets", p.packetsRead.Load())
		return nil
	}
	p.err = err
	p.phase.Store(int32(PhaseFailed))
	if ctx.Err() == nil {
		p.log.Error("producer failed", "error", err)
	}
	return err
}

func (p *Producer) run(ctx context.Context) error {
	p.phase.Store(int32(PhaseProbing))
	info, err := p.backend.Probe(ctx)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if info == nil || len(info.Streams) == 0 {
		return ErrNoStreams
	}
	p.info = info
	p.selectStreams()

	select {
	case p.queues.Metadata <- info:
	default:
	}

	if err := p.backend.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	p.epoch = p.state.Epoch()
	p.format = p.targetFormat()
	p.phase.Store(int32(PhaseStreaming))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.serviceSeek(); err != nil {
			return err
		}
		p.renegotiate()

		pkt, err := p.backend.ReadPacket(ctx)
		if errors.Is(err, io.EOF) {
			if err := p.flushAudio(ctx); err != nil {
				return err
			}
			return io.EOF
		}
		if err != nil {
			return fmt.Errorf("read packet: %w", err)
		}
		p.packetsRead.Add(1)

		if !p.state.IsSelected(pkt.StreamIndex) {
			p.packetsDiscarded.Add(1)
			continue
		}
		if err := p.handle(ctx, pkt); err != nil {
			return err
		}
	}
}

func (p *Producer) selectStreams() {
	def := SelectDefaults(p.info)
	video := keepOrDefault(p.info, media.StreamVideo, p.state.SelectedVideo(), def.Video)
	audio := keepOrDefault(p.info, media.StreamAudio, p.state.SelectedAudio(), def.Audio)
	sub := keepOrDefault(p.info, media.StreamSubtitle, p.state.SelectedSubtitle(), def.Subtitle)
	p.state.Select(media.StreamVideo, video)
	p.state.Select(media.StreamAudio, audio)
	p.state.Select(media.StreamSubtitle, sub)
	p.log.Info("streams selected", "video", video, "audio", audio, "subtitle", sub,
		"streams", len(p.info.Streams), "duration", p.info.Duration)
}

func (p *Producer) targetFormat() AudioFormat {
	return AudioFormat{SampleRate: p.state.SampleRate(), Channels: p.state.Channels()}
}

// renegotiate adopts a changed output format. Buffered samples are in the
// old format and are dropped.
func (p *Producer) renegotiate() {
	af := p.targetFormat()
	if af == p.format {
		return
	}
	p.log.Info("audio format changed",
		"sample_rate", af.SampleRate, "channels", af.Channels,
		"prev_sample_rate", p.format.SampleRate, "prev_channels", p.format.Channels)
	p.format = af
	p.fifo.reset()
	p.renegotiations.Add(1)
}

func (p *Producer) serviceSeek() error {
	target, epoch, ok := p.state.TakeSeek()
	if !ok {
		return nil
	}
	p.seeks.Add(1)
	p.epoch = epoch
	p.fifo.reset()
	if p.captions != nil {
		p.captions.Reset()
	}

	if err := p.backend.Seek(target); err != nil {
		if !errors.Is(err, ErrSeekUnsupported) {
			return fmt.Errorf("seek to %.3fs: %w", target, err)
		}
		p.log.Warn("seek not supported by backend", "target", target)
		p.state.FinishSeek(p.state.AudioPTS())
		return nil
	}
	p.log.Debug("seek", "target", target, "epoch", epoch)
	p.state.FinishSeek(target)
	return nil
}

func (p *Producer) handle(ctx context.Context, pkt Packet) error {
	if p.captions != nil && len(pkt.Data) > 0 && pkt.StreamIndex == p.state.SelectedVideo() {
		if s, ok := p.info.Stream(pkt.StreamIndex); ok && captions.Supports(s.Codec) {
			for _, c := range p.captions.Extract(pkt.Data, s.Codec, pkt.PTS) {
				p.captionCount.Add(1)
				p.pushSubtitle(&media.SubtitlePacket{
					Data:        []byte(c.Text),
					StreamIndex: pkt.StreamIndex,
					PTS:         c.PTS,
					Kind:        media.SubtitleCaption,
					Channel:     c.Channel,
					Epoch:       p.epoch,
				})
			}
		}
	}

	frames, err := p.backend.Decode(pkt, p.format)
	if errors.Is(err, ErrUnsupportedFormat) {
		p.framesSkipped.Add(1)
		p.log.Debug("frame skipped", "stream", pkt.StreamIndex, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode stream %d: %w", pkt.StreamIndex, err)
	}

	for i := range frames {
		f := &frames[i]
		switch f.Type {
		case media.StreamVideo:
			vf := &media.VideoFrame{
				Pixels:      f.Pixels,
				Width:       f.Width,
				Height:      f.Height,
				StreamIndex: f.StreamIndex,
				PTS:         f.PTS,
				Duration:    f.Duration,
				Epoch:       p.epoch,
			}
			select {
			case p.queues.Video <- vf:
				p.videoFrames.Add(1)
			case <-ctx.Done():
				return ctx.Err()
			}
		case media.StreamAudio:
			rate := f.SampleRate
			if rate <= 0 {
				rate = p.format.SampleRate
			}
			p.fifo.write(f.Samples, f.PTS, rate, f.StreamIndex)
			for p.fifo.len() >= media.AudioChunkSize {
				if err := p.pushAudio(ctx, p.fifo.next(media.AudioChunkSize, p.epoch)); err != nil {
					return err
				}
			}
		case media.StreamSubtitle:
			p.pushSubtitle(&media.SubtitlePacket{
				Data:        f.Data,
				StreamIndex: f.StreamIndex,
				PTS:         f.PTS,
				Duration:    f.Duration,
				Kind:        media.SubtitleStream,
				Epoch:       p.epoch,
			})
		}
	}
	return nil
}

func (p *Producer) pushAudio(ctx context.Context, chunk *media.AudioSamples) error {
	select {
	case p.queues.Audio <- chunk:
		p.audioChunks.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pushSubtitle drops the packet when the subtitle queue is full. The
// subtitle clock follows the last packet queued.
func (p *Producer) pushSubtitle(sp *media.SubtitlePacket) {
	select {
	case p.queues.Subtitles <- sp:
		p.subtitlePackets.Add(1)
		p.state.SetSubtitlePTS(sp.PTS)
	default:
		p.subtitlesDropped.Add(1)
	}
}

// flushAudio emits whatever is buffered as a final short chunk.
func (p *Producer) flushAudio(ctx context.Context) error {
	if chunk := p.fifo.next(media.AudioChunkSize, p.epoch); chunk != nil {
		return p.pushAudio(ctx, chunk)
	}
	return nil
}
