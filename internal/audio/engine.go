// Package audio implements the realtime audio output engine. The engine is
// driven by the audio device callback: each call pulls decoded chunks from
// the producer's audio queue into per-channel rings and renders exactly the
// requested number of interleaved frames, time-stretched when the playback
// speed is not 1.
package audio

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zsiec/vista/internal/media"
	"github.com/zsiec/vista/internal/playback"
)

const (
	maxChannels  = 8
	maxBlock     = 1024
	ringCapacity = 32768

	// Buffered audio this far ahead of the clock moves the clock forward.
	resyncThreshold = 1.0
	// Largest fractional ratio change a single nudge may apply.
	maxNudge = 0.1
)

// DriftMode selects how the engine keeps buffered audio aligned with the
// audio clock.
type DriftMode int

const (
	// DriftFixed consumes input at exactly speed times the output rate.
	DriftFixed DriftMode = iota
	// DriftNudge adjusts the stretch ratio by a bounded quantum whenever
	// the buffered audio drifts from the clock by more than the tolerance.
	DriftNudge
)

func (m DriftMode) String() string {
	switch m {
	case DriftFixed:
		return "fixed"
	case DriftNudge:
		return "nudge"
	default:
		return fmt.Sprintf("DriftMode(%d)", int(m))
	}
}

// ParseDriftMode maps "fixed" (or "") and "nudge" to a DriftMode.
func ParseDriftMode(s string) (DriftMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fixed":
		return DriftFixed, nil
	case "nudge":
		return DriftNudge, nil
	default:
		return DriftFixed, fmt.Errorf("unknown drift mode %q", s)
	}
}

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	PollInterval   time.Duration // queue poll period during an underrun (1ms)
	UnderrunWait   time.Duration // total poll budget per callback block (5ms)
	Drift          DriftMode
	DriftTolerance time.Duration // 40ms
	DriftQuantum   int           // frames per callback, 128
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Millisecond
	}
	if c.UnderrunWait <= 0 {
		c.UnderrunWait = 5 * time.Millisecond
	}
	if c.DriftTolerance <= 0 {
		c.DriftTolerance = 40 * time.Millisecond
	}
	if c.DriftQuantum <= 0 {
		c.DriftQuantum = 128
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Callbacks      int64   `json:"callbacks"`
	Underruns      int64   `json:"underruns"`
	RenderedFrames int64   `json:"renderedFrames"`
	DroppedFrames  int64   `json:"droppedFrames"`
	Drift          float64 `json:"drift"`
}

// Engine renders the audio queue into device buffers. Process must only be
// called from one goroutine at a time (the device callback); Prepare must
// not run concurrently with Process.
type Engine struct {
	log   *slog.Logger
	cfg   Config
	state *playback.State
	queue <-chan *media.AudioSamples

	outRate int
	rings   []ring
	scratch [][]float32
	planes  [][]float32
	srcCh   int
	rate    int

	// pending is a chunk partially copied into the rings; held is a
	// current-epoch chunk received while not playing.
	pending    *media.AudioSamples
	pendingOff int
	held       *media.AudioSamples
	closed     bool

	endPTS     float64
	hasPTS     bool
	epoch      uint64
	flushOnRun bool
	stretching bool
	stretcher  *Stretcher

	callbacks atomic.Int64
	underruns atomic.Int64
	rendered  atomic.Int64
	dropped   atomic.Int64
	drift     atomic.Int64
}

// NewEngine creates an engine reading from queue and prepares it for the
// output format currently recorded in state.
func NewEngine(state *playback.State, queue <-chan *media.AudioSamples, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		log:        cfg.Logger.With("component", "audio-engine"),
		cfg:        cfg,
		state:      state,
		queue:      queue,
		rings:      make([]ring, maxChannels),
		scratch:    make([][]float32, maxChannels),
		planes:     make([][]float32, maxChannels),
		srcCh:      1,
		epoch:      state.Epoch(),
		flushOnRun: true,
	}
	for ch := range e.rings {
		e.rings[ch] = newRing(ringCapacity)
		e.scratch[ch] = make([]float32, maxBlock)
	}
	e.Prepare(state.SampleRate(), state.Channels())
	return e
}

// Prepare sizes the engine for the device output format. It allocates and
// drops any buffered audio.
func (e *Engine) Prepare(sampleRate, channels int) {
	if sampleRate <= 0 {
		sampleRate = playback.DefaultSampleRate
	}
	e.outRate = sampleRate
	e.rate = sampleRate
	e.stretcher = NewStretcher(maxChannels, sampleRate, maxBlock, playback.MaxSpeed*(1+maxNudge))
	e.stretcher.SetChannels(e.srcCh)
	e.flush(e.epoch)
	e.log.Debug("prepared", "sample_rate", sampleRate, "channels", channels,
		"drift", e.cfg.Drift.String())
}

// Stats returns the current counters. It is safe to call from any goroutine.
func (e *Engine) Stats() Stats {
	return Stats{
		Callbacks:      e.callbacks.Load(),
		Underruns:      e.underruns.Load(),
		RenderedFrames: e.rendered.Load(),
		DroppedFrames:  e.dropped.Load(),
		Drift:          float64(e.drift.Load()) / float64(time.Second),
	}
}

// Process fills out, interleaved with the given channel count, with exactly
// len(out)/channels frames. Samples past the last whole frame are zeroed.
func (e *Engine) Process(out []float32, channels int) {
	e.callbacks.Add(1)
	clear(out)
	if channels <= 0 {
		return
	}

	switch e.state.State() {
	case playback.Playing:
	case playback.Paused:
		e.dropStale(e.state.Epoch())
		return
	default:
		e.flushOnRun = true
		e.dropStale(e.state.Epoch())
		return
	}

	if epoch := e.state.Epoch(); e.flushOnRun || epoch != e.epoch {
		e.flush(epoch)
		e.flushOnRun = false
	}

	frames := len(out) / channels
	for off := 0; off < frames; {
		n := min(frames-off, maxBlock)
		e.render(out[off*channels:(off+n)*channels], channels, n)
		off += n
	}
}

func (e *Engine) render(dst []float32, outCh, n int) {
	speed := e.state.Speed()
	ratio := speed
	if e.cfg.Drift == DriftNudge {
		ratio *= 1 + e.nudge(n)
	}
	stretch := ratio != 1 || e.cfg.Drift == DriftNudge
	if stretch != e.stretching {
		e.dropped.Add(int64(e.stretcher.Buffered()))
		e.stretcher.Reset()
		e.stretching = stretch
	}
	gain := float32(e.state.Volume())

	var rendered int
	switch {
	case e.state.Muted():
		if e.stretching {
			e.stretcher.Reset()
		}
		want := int(math.Round(float64(n) * ratio))
		have := min(e.fill(want), want)
		e.resync()
		e.discard(have)
		rendered = n
		if have < want {
			rendered = n * have / want
		}

	case !e.stretching:
		k := min(e.fill(n), n)
		e.resync()
		e.read(k)
		mixInto(dst, outCh, e.planes[:e.srcCh], k, gain)
		rendered = k

	default:
		for i := 0; e.stretcher.Available() < n && i < 4; i++ {
			want := e.stretcher.Want(ratio, n)
			have := min(e.fill(want), want)
			if i == 0 {
				e.resync()
			}
			e.feed(have)
			e.stretcher.Process(ratio)
			if have < want {
				break
			}
		}
		rendered = e.stretcher.ReadInterleaved(dst, outCh, n, gain)
	}

	if rendered < n {
		e.underruns.Add(1)
	}
	e.rendered.Add(int64(rendered))
	if rendered > 0 {
		e.state.IncrAudioPTS(float64(rendered) * speed / float64(e.outRate))
	}
	if e.hasPTS {
		e.drift.Store(int64((e.headPTS() - e.state.AudioPTS()) * float64(time.Second)))
	}
}

// nudge returns the fractional ratio adjustment for a block of n frames.
func (e *Engine) nudge(n int) float64 {
	if !e.hasPTS {
		return 0
	}
	drift := e.headPTS() - e.state.AudioPTS()
	if math.Abs(drift) <= e.cfg.DriftTolerance.Seconds() {
		return 0
	}
	q := math.Min(float64(e.cfg.DriftQuantum)/float64(n), maxNudge)
	if drift > 0 {
		// Buffered audio is ahead of the clock: consume it more slowly.
		return -q
	}
	return q
}

// headPTS is the presentation time of the next input frame to be consumed.
func (e *Engine) headPTS() float64 {
	buffered := e.avail()
	if e.stretching {
		buffered += e.stretcher.Buffered()
	}
	return e.endPTS - float64(buffered)/float64(e.rate)
}

// resync moves the clock forward when buffered audio starts well after it,
// as at a stream start offset or across a gap. The clock never moves back.
func (e *Engine) resync() {
	if !e.hasPTS {
		return
	}
	if h := e.headPTS(); h-e.state.AudioPTS() > resyncThreshold {
		e.state.SetAudioPTS(h)
	}
}

func (e *Engine) avail() int { return e.rings[0].len() }

// fill pulls chunks from the queue until want frames are buffered, polling
// for at most UnderrunWait when the queue is empty. It returns the number
// of buffered frames.
func (e *Engine) fill(want int) int {
	want = min(want, ringCapacity)
	var waited time.Duration
	for e.avail() < want {
		if e.pending != nil {
			if !e.drainPending() {
				break
			}
			continue
		}
		if e.held != nil {
			c := e.held
			e.held = nil
			e.accept(c)
			continue
		}
		select {
		case c, ok := <-e.queue:
			if !ok {
				e.closed = true
				return e.avail()
			}
			e.accept(c)
		default:
			if e.closed || waited >= e.cfg.UnderrunWait {
				return e.avail()
			}
			time.Sleep(e.cfg.PollInterval)
			waited += e.cfg.PollInterval
		}
	}
	return e.avail()
}

// dropStale discards queued chunks older than epoch without blocking, so a
// producer waiting on a full queue can reach its pending seek.
func (e *Engine) dropStale(epoch uint64) {
	for e.held == nil && !e.closed {
		select {
		case c, ok := <-e.queue:
			if !ok {
				e.closed = true
				return
			}
			if c == nil {
				continue
			}
			if c.Epoch < epoch {
				e.dropped.Add(int64(c.SampleCount))
				continue
			}
			e.held = c
		default:
			return
		}
	}
}

// accept starts copying c into the rings, resetting them when the chunk
// changes epoch, channel count or sample rate.
func (e *Engine) accept(c *media.AudioSamples) {
	if c == nil || len(c.Data) == 0 || chunkFrames(c) == 0 {
		return
	}
	if c.Epoch < e.epoch {
		e.dropped.Add(int64(c.SampleCount))
		return
	}
	if c.Epoch > e.epoch {
		e.flush(c.Epoch)
	}

	ch := min(len(c.Data), maxChannels)
	rate := c.SampleRate
	if rate <= 0 {
		rate = e.outRate
	}
	if ch != e.srcCh || rate != e.rate {
		e.dropBuffered()
		e.srcCh = ch
		e.rate = rate
		e.stretcher.SetChannels(ch)
	}
	e.pending = c
	e.pendingOff = 0
	e.drainPending()
}

// drainPending copies as much of the pending chunk as fits and reports
// whether it was fully consumed.
func (e *Engine) drainPending() bool {
	c := e.pending
	total := chunkFrames(c)
	k := min(total-e.pendingOff, e.rings[0].free())
	if k <= 0 && e.pendingOff < total {
		return false
	}
	for ch := 0; ch < e.srcCh; ch++ {
		e.rings[ch].write(c.Data[ch][e.pendingOff : e.pendingOff+k])
	}
	e.pendingOff += k
	e.endPTS = c.PTS + float64(e.pendingOff)/float64(e.rate)
	e.hasPTS = true
	if e.pendingOff < total {
		return false
	}
	e.pending = nil
	return true
}

func chunkFrames(c *media.AudioSamples) int {
	n := c.SampleCount
	for _, plane := range c.Data {
		n = min(n, len(plane))
	}
	return n
}

// read moves k frames from the rings into the scratch planes.
func (e *Engine) read(k int) {
	for ch := 0; ch < e.srcCh; ch++ {
		e.planes[ch] = e.scratch[ch][:k]
		e.rings[ch].read(e.planes[ch])
	}
}

// feed moves k frames from the rings into the stretcher.
func (e *Engine) feed(k int) {
	for k > 0 {
		step := min(k, maxBlock)
		e.read(step)
		e.stretcher.Write(e.planes[:e.srcCh], step)
		k -= step
	}
}

func (e *Engine) discard(k int) {
	for ch := 0; ch < e.srcCh; ch++ {
		e.rings[ch].discard(k)
	}
}

func (e *Engine) dropBuffered() {
	e.dropped.Add(int64(e.avail() + e.stretcher.Buffered()))
	for ch := range e.rings {
		e.rings[ch].reset()
	}
	e.stretcher.Reset()
}

// flush drops everything buffered and adopts epoch.
func (e *Engine) flush(epoch uint64) {
	e.dropBuffered()
	if e.pending != nil {
		e.dropped.Add(int64(chunkFrames(e.pending) - e.pendingOff))
		e.pending = nil
	}
	if e.held != nil && e.held.Epoch < epoch {
		e.dropped.Add(int64(e.held.SampleCount))
		e.held = nil
	}
	e.epoch = epoch
	e.hasPTS = false
}
