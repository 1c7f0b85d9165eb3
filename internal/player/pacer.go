package player

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zsiec/vista/internal/media"
	"github.com/zsiec/vista/internal/playback"
)

const (
	defaultFrameDuration = 1.0 / 30
	// Largest share of a frame's duration the A/V correction may add or remove.
	maxDriftShare = 0.1
	// Falling further behind than this restarts the schedule from now.
	maxLate  = 100 * time.Millisecond
	holdPoll = 10 * time.Millisecond
)

// PacerStats counts what the pacer did with received frames.
type PacerStats struct {
	Presented int64 `json:"presented"`
	Dropped   int64 `json:"dropped"`
}

// FramePacer releases video frames at their presentation time. Each frame
// is shown for its duration divided by speed, nudged toward the audio clock
// by at most a tenth of the frame duration. Frames from before the latest
// seek are dropped, and nothing is released while paused.
type FramePacer struct {
	state  *playback.State
	frames <-chan *media.VideoFrame

	pending *media.VideoFrame
	due     time.Time
	holding atomic.Bool

	presented atomic.Int64
	dropped   atomic.Int64
}

// NewFramePacer paces frames received from frames.
func NewFramePacer(state *playback.State, frames <-chan *media.VideoFrame) *FramePacer {
	return &FramePacer{state: state, frames: frames}
}

// Stats returns the pacer counters.
func (p *FramePacer) Stats() PacerStats {
	return PacerStats{Presented: p.presented.Load(), Dropped: p.dropped.Load()}
}

// Idle reports whether no received frame is waiting to be presented.
func (p *FramePacer) Idle() bool { return !p.holding.Load() }

// Next blocks until the next frame is due and returns it. It updates the
// video clock to the returned frame's PTS. Next is called from one
// goroutine.
func (p *FramePacer) Next(ctx context.Context) (*media.VideoFrame, error) {
	for {
		if p.pending == nil {
			select {
			case f := <-p.frames:
				p.pending = f
				p.holding.Store(f != nil)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if p.pending == nil {
				continue
			}
		}

		f := p.pending
		if f.Epoch < p.state.Epoch() {
			p.pending = nil
			p.holding.Store(false)
			p.due = time.Time{}
			p.dropped.Add(1)
			continue
		}

		if p.state.State() != playback.Playing {
			p.due = time.Time{}
			if err := sleep(ctx, holdPoll); err != nil {
				return nil, err
			}
			continue
		}

		now := time.Now()
		if !p.due.IsZero() && now.Before(p.due) {
			if err := sleep(ctx, min(p.due.Sub(now), holdPoll)); err != nil {
				return nil, err
			}
			continue
		}

		base := p.due
		if base.IsZero() || now.Sub(base) > maxLate {
			base = now
		}
		syncAudio := p.state.SelectedAudio() >= 0
		p.due = base.Add(frameDelay(f, p.state.Speed(), p.state.AudioPTS(), syncAudio))
		p.pending = nil
		p.holding.Store(false)
		p.presented.Add(1)
		p.state.SetVideoPTS(f.PTS)
		return f, nil
	}
}

// frameDelay is how long f stays on screen. A frame ahead of the audio
// clock is held longer and one behind it shorter, by at most maxDriftShare
// of its duration.
func frameDelay(f *media.VideoFrame, speed, audioPTS float64, syncAudio bool) time.Duration {
	dur := f.Duration
	if dur <= 0 {
		dur = defaultFrameDuration
	}
	d := dur
	if syncAudio {
		limit := dur * maxDriftShare
		d += max(-limit, min(limit, f.PTS-audioPTS))
	}
	if speed < playback.MinSpeed {
		speed = playback.MinSpeed
	}
	return time.Duration(d / speed * float64(time.Second))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
