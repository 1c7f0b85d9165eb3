// Package player wires one playback session together: it opens the input,
// runs a decoding backend behind the producer, drives the audio engine from
// an output device and exposes the queues and controls a host presents
// from. A session that reaches the end of its input with looping enabled
// reopens the whole pipeline.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vista/internal/audio"
	"github.com/zsiec/vista/internal/audio/device"
	"github.com/zsiec/vista/internal/decode"
	"github.com/zsiec/vista/internal/media"
	"github.com/zsiec/vista/internal/playback"
	"github.com/zsiec/vista/internal/source"
)

// ErrNoInput is returned by New for an empty location.
var ErrNoInput = errors.New("player: no input")

// OpenBackendFunc constructs an unprobed backend. backends.Open is the
// production implementation.
type OpenBackendFunc func(kind decode.Kind, in *source.Input, cfg decode.Config) (decode.Backend, error)

// Output selects what drives the audio engine.
type Output int

const (
	// OutputDevice uses the default playback device, falling back to
	// OutputNull when none can be opened.
	OutputDevice Output = iota
	// OutputNull drains audio on a ticker without producing sound.
	OutputNull
	// OutputExternal leaves the engine to the host, which calls
	// Audio().Process from its own callback.
	OutputExternal
)

func (o Output) String() string {
	switch o {
	case OutputDevice:
		return "device"
	case OutputNull:
		return "null"
	case OutputExternal:
		return "external"
	default:
		return fmt.Sprintf("Output(%d)", int(o))
	}
}

// ParseOutput maps "device" (or ""), "null" and "external" to an Output.
func ParseOutput(s string) (Output, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "device":
		return OutputDevice, nil
	case "null", "none":
		return OutputNull, nil
	case "external":
		return OutputExternal, nil
	default:
		return OutputDevice, fmt.Errorf("unknown audio output %q", s)
	}
}

// Config configures a Session.
type Config struct {
	Backend     decode.Kind
	OpenBackend OpenBackendFunc
	Source      source.Config
	Audio       audio.Config
	Output      Output
	Device      device.Config
	Captions    bool

	// StatsInterval is the period of the stats log line; 5s when zero.
	StatsInterval time.Duration
	Logger        *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type audioOutput interface {
	Run(ctx context.Context) error
	Close() error
}

// Session is one playback of one location.
type Session struct {
	id       string
	log      *slog.Logger
	location string
	cfg      Config

	state  *playback.State
	queues media.Queues
	engine *audio.Engine

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	pacer    *FramePacer
	info     *media.DecoderInfo
	producer *decode.Producer
	input    *source.Input
	loops    int
	started  time.Time
}

// New prepares a session for location. Nothing is opened until Run.
func New(location string, cfg Config) (*Session, error) {
	if location == "" {
		return nil, ErrNoInput
	}
	if cfg.OpenBackend == nil {
		return nil, errors.New("player: no backend constructor")
	}
	cfg = cfg.withDefaults()
	id := uuid.New().String()
	log := cfg.Logger.With("session", id)

	cfg.Source.Logger = log
	cfg.Audio.Logger = log
	cfg.Device.Logger = log

	state := playback.New()
	queues := media.NewQueues()
	return &Session{
		id:       id,
		log:      log,
		location: location,
		cfg:      cfg,
		state:    state,
		queues:   queues,
		engine:   audio.NewEngine(state, queues.Audio, cfg.Audio),
		ready:    make(chan struct{}),
	}, nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// State returns the shared playback state.
func (s *Session) State() *playback.State { return s.state }

// Video returns the decoded picture queue.
func (s *Session) Video() <-chan *media.VideoFrame { return s.queues.Video }

// Subtitles returns the subtitle and caption queue.
func (s *Session) Subtitles() <-chan *media.SubtitlePacket { return s.queues.Subtitles }

// Audio returns the audio engine. Hosts using OutputExternal call its
// Process method from their own audio callback.
func (s *Session) Audio() *audio.Engine { return s.engine }

// Ready is closed once the first stream inventory has arrived.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Info returns the latest stream inventory, or nil before Ready.
func (s *Session) Info() *media.DecoderInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Pacer returns the session's frame pacer over the video queue.
func (s *Session) Pacer() *FramePacer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pacer == nil {
		s.pacer = NewFramePacer(s.state, s.queues.Video)
	}
	return s.pacer
}

// Apply applies a control bundle to the shared state.
func (s *Session) Apply(cmd playback.Command) {
	if cmd.Empty() {
		return
	}
	cmd.Apply(s.state)
	s.log.Debug("command applied", "state", s.state.State().String(),
		"volume", s.state.Volume(), "speed", s.state.Speed())
}

// Run plays until the input ends (without looping), a component fails, or
// ctx is cancelled. A cancelled ctx is not an error.
func (s *Session) Run(ctx context.Context) error {
	out, err := s.openOutput()
	if err != nil {
		return err
	}
	if out != nil {
		defer out.Close()
	}

	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()
	s.log.Info("session starting", "location", s.location, "backend", s.cfg.Backend.String(),
		"output", s.cfg.Output.String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if out != nil {
		g.Go(func() error {
			return out.Run(ctx)
		})
	}

	g.Go(func() error {
		s.statsLoop(ctx)
		return nil
	})

	g.Go(func() error {
		defer cancel()
		return s.play(ctx)
	})

	err = g.Wait()
	s.state.SetState(playback.Stopped)
	s.log.Info("session ended", "error", err)
	return err
}

func (s *Session) openOutput() (audioOutput, error) {
	switch s.cfg.Output {
	case OutputExternal:
		return nil, nil
	case OutputNull:
		return device.NewNull(s.engine, s.state, s.cfg.Device), nil
	default:
		d, err := device.Open(s.engine, s.state, s.cfg.Device)
		if errors.Is(err, device.ErrNoDevice) {
			s.log.Warn("no audio device, using null output", "error", err)
			return device.NewNull(s.engine, s.state, s.cfg.Device), nil
		}
		if err != nil {
			return nil, fmt.Errorf("open audio output: %w", err)
		}
		return d, nil
	}
}

// play runs the pipeline, reopening it at end of input while looping.
func (s *Session) play(ctx context.Context) error {
	for {
		err := s.runPipeline(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		s.drain(ctx)
		if ctx.Err() != nil || !s.state.Looping() {
			return nil
		}
		s.rewind()
	}
}

// runPipeline opens the input and a backend and runs one producer over
// them until it stops.
func (s *Session) runPipeline(ctx context.Context) error {
	in, err := source.Open(ctx, s.location, s.cfg.Source)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	backend, err := s.cfg.OpenBackend(s.cfg.Backend, in, decode.Config{
		Audio:  decode.AudioFormat{SampleRate: s.state.SampleRate(), Channels: s.state.Channels()},
		Logger: s.log,
	})
	if err != nil {
		return fmt.Errorf("open %s backend: %w", s.cfg.Backend, err)
	}
	defer func() {
		// Closing the input first unblocks backend goroutines parked in
		// Read so the backend can wait for them.
		in.Close()
		backend.Close()
	}()

	p := decode.NewProducer(backend, s.state, s.queues, decode.ProducerConfig{
		Captions: s.cfg.Captions,
		Logger:   s.log,
	})
	s.mu.Lock()
	s.producer = p
	s.input = in
	s.mu.Unlock()

	go p.Run(ctx)

	for {
		select {
		case info := <-s.queues.Metadata:
			s.onMetadata(info)
		case <-p.Done():
			select {
			case info := <-s.queues.Metadata:
				s.onMetadata(info)
			default:
			}
			if err := p.Err(); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
			return nil
		}
	}
}

func (s *Session) onMetadata(info *media.DecoderInfo) {
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()

	s.state.SetDuration(info.Duration)
	s.state.CompareAndSwapState(playback.Stopped, playback.Playing)
	s.readyOnce.Do(func() { close(s.ready) })
	s.log.Info("streams ready", "streams", len(info.Streams),
		"duration", playback.FormatTime(info.Duration), "bitrate", info.Bitrate)
}

// drain waits until the consumers have emptied the audio and video queues
// and the pacer has released its last frame.
func (s *Session) drain(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for len(s.queues.Audio) > 0 || len(s.queues.Video) > 0 || !s.pacerIdle() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) pacerIdle() bool {
	s.mu.Lock()
	p := s.pacer
	s.mu.Unlock()
	return p == nil || p.Idle()
}

// rewind starts a new epoch at time zero for the reopened pipeline.
func (s *Session) rewind() {
	s.state.RequestSeek(0)
	s.state.TakeSeek()
	s.state.FinishSeek(0)

	s.mu.Lock()
	s.loops++
	loops := s.loops
	s.mu.Unlock()
	s.log.Info("looping", "count", loops)
}
