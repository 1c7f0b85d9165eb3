package device

import (
	"context"
	"log/slog"
	"time"

	"github.com/zsiec/vista/internal/playback"
)

// Null renders into a discarded buffer on a ticker, standing in for a
// playback device.
type Null struct {
	log      *slog.Logger
	r        Renderer
	period   time.Duration
	channels int
	buf      []float32
}

// NewNull records cfg's format in state, prepares r for it and returns a
// driver that renders one period per tick.
func NewNull(r Renderer, state *playback.State, cfg Config) *Null {
	cfg = cfg.withDefaults()
	frames := int(int64(cfg.SampleRate) * int64(cfg.Period) / int64(time.Second))
	if frames < 1 {
		frames = 1
	}
	state.SetAudioFormat(cfg.SampleRate, cfg.Channels)
	r.Prepare(cfg.SampleRate, cfg.Channels)
	return &Null{
		log:      cfg.Logger.With("component", "audio-null"),
		r:        r,
		period:   cfg.Period,
		channels: cfg.Channels,
		buf:      make([]float32, frames*cfg.Channels),
	}
}

// Run ticks until ctx is done.
func (n *Null) Run(ctx context.Context) error {
	n.log.Info("null audio output running", "period", n.period, "frames", len(n.buf)/n.channels)
	ticker := time.NewTicker(n.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.r.Process(n.buf, n.channels)
		}
	}
}

// Close is a no-op; Null holds no external resources.
func (n *Null) Close() error { return nil }
