// Package device binds the audio engine to an output. Device drives it from
// the miniaudio playback callback; Null drives it from a ticker when no
// hardware is available, so the audio clock still advances.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/zsiec/vista/internal/playback"
)

// ErrNoDevice is returned when no playback device could be opened.
var ErrNoDevice = errors.New("no audio output device")

// Renderer produces interleaved float32 output. *audio.Engine implements it.
type Renderer interface {
	Prepare(sampleRate, channels int)
	Process(out []float32, channels int)
}

// Config requests an output format. The device may negotiate another one;
// the negotiated format is written to the shared state.
type Config struct {
	SampleRate int
	Channels   int
	Period     time.Duration // callback period; 10ms when zero
	Logger     *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = playback.DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = playback.DefaultChannels
	}
	if c.Period <= 0 {
		c.Period = 10 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Device is an open miniaudio playback device.
type Device struct {
	log        *slog.Logger
	ctx        *malgo.AllocatedContext
	dev        *malgo.Device
	sampleRate int
	channels   int
	closeOnce  sync.Once
}

// Open initializes the default playback device with f32 output, records the
// negotiated format in state and prepares r for it. The device is not
// started until Run.
func Open(r Renderer, state *playback.State, cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With("component", "audio-device")

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init context: %v", ErrNoDevice, err)
	}

	dc := malgo.DefaultDeviceConfig(malgo.Playback)
	dc.Playback.Format = malgo.FormatF32
	dc.Playback.Channels = uint32(cfg.Channels)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInMilliseconds = uint32(cfg.Period.Milliseconds())
	dc.Alsa.NoMMap = 1

	d := &Device{log: log, ctx: mctx}
	var channels int
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			r.Process(float32View(out), channels)
		},
	}
	dev, err := malgo.InitDevice(mctx.Context, dc, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: init device: %v", ErrNoDevice, err)
	}
	d.dev = dev
	d.sampleRate = int(dev.SampleRate())
	d.channels = int(dev.PlaybackChannels())
	channels = d.channels

	state.SetAudioFormat(d.sampleRate, d.channels)
	r.Prepare(d.sampleRate, d.channels)
	log.Info("audio device opened", "sample_rate", d.sampleRate, "channels", d.channels)
	return d, nil
}

// SampleRate returns the negotiated output rate.
func (d *Device) SampleRate() int { return d.sampleRate }

// Channels returns the negotiated output channel count.
func (d *Device) Channels() int { return d.channels }

// Run starts playback and blocks until ctx is done, then closes the device.
func (d *Device) Run(ctx context.Context) error {
	if err := d.dev.Start(); err != nil {
		d.Close()
		return fmt.Errorf("start audio device: %w", err)
	}
	<-ctx.Done()
	d.Close()
	return nil
}

// Close stops and releases the device. It is safe to call more than once.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		if d.dev.IsStarted() {
			if err := d.dev.Stop(); err != nil {
				d.log.Warn("stop audio device", "error", err)
			}
		}
		d.dev.Uninit()
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.log.Info("audio device closed")
	})
	return nil
}

// float32View reinterprets the device buffer as samples without copying.
// miniaudio hands out f32 buffers aligned for float access.
func float32View(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}
