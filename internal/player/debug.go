package player

import (
	"context"
	"time"

	"github.com/zsiec/vista/internal/audio"
	"github.com/zsiec/vista/internal/decode"
	"github.com/zsiec/vista/internal/playback"
	"github.com/zsiec/vista/internal/source"
)

// QueueDepths reports how many items wait in each queue.
type QueueDepths struct {
	Video     int `json:"video"`
	Audio     int `json:"audio"`
	Subtitles int `json:"subtitles"`
}

// Debug is a point-in-time snapshot of a session, suitable for JSON
// serialization.
type Debug struct {
	ID       string              `json:"id"`
	Location string              `json:"location"`
	Backend  string              `json:"backend"`
	Phase    string              `json:"phase"`
	UptimeMs int64               `json:"uptimeMs"`
	Loops    int                 `json:"loops"`
	State    playback.Snapshot   `json:"state"`
	Producer decode.Stats        `json:"producer"`
	Audio    audio.Stats         `json:"audio"`
	Video    PacerStats          `json:"video"`
	Queues   QueueDepths         `json:"queues"`
	Ingest   *source.IngestStats `json:"ingest,omitempty"`
}

// Debug collects producer, engine, pacer and input counters.
func (s *Session) Debug() Debug {
	s.mu.Lock()
	p, in, pacer := s.producer, s.input, s.pacer
	loops, started := s.loops, s.started
	s.mu.Unlock()

	d := Debug{
		ID:       s.id,
		Location: s.location,
		Backend:  s.cfg.Backend.String(),
		Phase:    decode.PhaseUninitialized.String(),
		Loops:    loops,
		State:    s.state.Snapshot(),
		Audio:    s.engine.Stats(),
		Queues: QueueDepths{
			Video:     len(s.queues.Video),
			Audio:     len(s.queues.Audio),
			Subtitles: len(s.queues.Subtitles),
		},
	}
	if !started.IsZero() {
		d.UptimeMs = time.Since(started).Milliseconds()
	}
	if p != nil {
		d.Phase = p.Phase().String()
		d.Producer = p.Stats()
	}
	if pacer != nil {
		d.Video = pacer.Stats()
	}
	if in != nil && in.Reader != nil {
		st := in.Stats()
		d.Ingest = &st
	}
	return d
}

// statsLoop logs a progress line every StatsInterval and warns when the
// audio engine underran or the input lost TS continuity since the previous
// line.
func (s *Session) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	var lastUnderruns, lastDropped, lastCC int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d := s.Debug()
		if n := d.Audio.Underruns - lastUnderruns; n > 0 {
			s.log.Warn("audio underruns", "count", n, "total", d.Audio.Underruns)
		}
		lastUnderruns = d.Audio.Underruns
		if n := d.Video.Dropped - lastDropped; n > 0 {
			s.log.Debug("stale video frames dropped", "count", n)
		}
		lastDropped = d.Video.Dropped
		if d.Ingest != nil && d.Ingest.TS != nil {
			// Counters restart with each reopened input.
			if n := d.Ingest.TS.ContinuityErrors - lastCC; n > 0 {
				s.log.Warn("ts continuity errors", "count", n, "total", d.Ingest.TS.ContinuityErrors)
			}
			lastCC = d.Ingest.TS.ContinuityErrors
		}

		s.log.Info("playback stats",
			"state", d.State.State.String(),
			"position", playback.FormatTime(d.State.AudioPTS),
			"duration", playback.FormatTime(d.State.Duration),
			"phase", d.Phase,
			"video_frames", d.Producer.VideoFrames,
			"audio_chunks", d.Producer.AudioChunks,
			"drift_ms", int64(d.Audio.Drift*1000),
			"video_queue", d.Queues.Video,
			"audio_queue", d.Queues.Audio,
		)
	}
}
