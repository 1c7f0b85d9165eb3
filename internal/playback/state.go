// Package playback holds the shared playback state: transport state, volume,
// speed, mute, loop, stream selections and the presentation clocks. Every
// field is an independent atomic, so the decode producer, the realtime audio
// callback and the host may read and write concurrently without a lock.
package playback

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/zsiec/vista/internal/media"
)

// TransportState is the host-visible playback state.
type TransportState int32

const (
	Stopped TransportState = iota
	Seeking
	Paused
	Playing
)

func (s TransportState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Seeking:
		return "seeking"
	case Paused:
		return "paused"
	case Playing:
		return "playing"
	default:
		return fmt.Sprintf("TransportState(%d)", int32(s))
	}
}

// Fixed-point scales. Volume keeps 1/255 resolution; speed keeps 1/1000 so the
// 0.01 minimum stays representable.
const (
	volumeScale = 255
	speedScale  = 1000

	MinSpeed = 0.01
	MaxSpeed = 10.0
)

// Default negotiated output format until an audio device reports its own.
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
)

const noSeek = -1

// State is the single source of truth shared by every component of a
// session. Fields are last-write-wins; no operation spans more than one
// field atomically.
type State struct {
	state   atomic.Int32
	volume  atomic.Uint32
	speed   atomic.Uint32
	muted   atomic.Bool
	looping atomic.Bool

	duration    atomic.Int64 // ns
	videoPTS    atomic.Int64 // ns
	audioPTS    atomic.Int64 // ns
	subtitlePTS atomic.Int64 // ns

	sampleRate atomic.Int32
	channels   atomic.Int32

	selVideo    atomic.Int32
	selAudio    atomic.Int32
	selSubtitle atomic.Int32

	seekTarget atomic.Int64 // ns, noSeek when idle
	resume     atomic.Int32
	epoch      atomic.Uint64
}

// New returns a State with playback defaults: stopped, full volume, normal
// speed, 48kHz stereo and no stream selected.
func New() *State {
	s := &State{}
	s.state.Store(int32(Stopped))
	s.volume.Store(volumeScale)
	s.speed.Store(speedScale)
	s.sampleRate.Store(DefaultSampleRate)
	s.channels.Store(DefaultChannels)
	s.selVideo.Store(-1)
	s.selAudio.Store(-1)
	s.selSubtitle.Store(-1)
	s.seekTarget.Store(noSeek)
	s.resume.Store(int32(Stopped))
	return s
}

func (s *State) State() TransportState { return TransportState(s.state.Load()) }
func (s *State) SetState(v TransportState) { s.state.Store(int32(v)) }

// CompareAndSwapState sets the state to to only if it is currently from.
func (s *State) CompareAndSwapState(from, to TransportState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Volume returns the output gain in [0, 1].
func (s *State) Volume() float64 {
	return float64(s.volume.Load()) / volumeScale
}

// SetVolume stores v clamped to [0, 1].
func (s *State) SetVolume(v float64) {
	s.volume.Store(uint32(math.Round(clamp(v, 0, 1) * volumeScale)))
}

func (s *State) IncrVolume(d float64) { s.SetVolume(s.Volume() + d) }
func (s *State) DecrVolume(d float64) { s.SetVolume(s.Volume() - d) }

// Speed returns the playback rate, 1.0 being normal.
func (s *State) Speed() float64 {
	return float64(s.speed.Load()) / speedScale
}

// SetSpeed stores v clamped to [MinSpeed, MaxSpeed].
func (s *State) SetSpeed(v float64) {
	if math.IsNaN(v) {
		return
	}
	s.speed.Store(uint32(math.Round(clamp(v, MinSpeed, MaxSpeed) * speedScale)))
}

func (s *State) IncrSpeed(d float64) { s.SetSpeed(s.Speed() + d) }
func (s *State) DecrSpeed(d float64) { s.SetSpeed(s.Speed() - d) }

func (s *State) Muted() bool { return s.muted.Load() }
func (s *State) SetMuted(v bool) { s.muted.Store(v) }
func (s *State) Looping() bool { return s.looping.Load() }
func (s *State) SetLooping(v bool) { s.looping.Store(v) }
func (s *State) Duration() float64 { return seconds(s.duration.Load()) }
func (s *State) SetDuration(v float64) { s.duration.Store(nanos(v)) }

func (s *State) VideoPTS() float64 { return seconds(s.videoPTS.Load()) }
func (s *State) SetVideoPTS(v float64) { s.videoPTS.Store(nanos(v)) }
func (s *State) SubtitlePTS() float64 { return seconds(s.subtitlePTS.Load()) }
func (s *State) SetSubtitlePTS(v float64) { s.subtitlePTS.Store(nanos(v)) }
func (s *State) AudioPTS() float64 { return seconds(s.audioPTS.Load()) }
func (s *State) SetAudioPTS(v float64) { s.audioPTS.Store(nanos(v)) }

// IncrAudioPTS advances the audio clock by d seconds.
func (s *State) IncrAudioPTS(d float64) { s.audioPTS.Add(nanos(d)) }

func (s *State) SampleRate() int { return int(s.sampleRate.Load()) }
func (s *State) Channels() int { return int(s.channels.Load()) }

// SetAudioFormat records the format negotiated with the output device. The
// decode producer re-negotiates its resampler when this changes.
func (s *State) SetAudioFormat(sampleRate, channels int) {
	if sampleRate > 0 {
		s.sampleRate.Store(int32(sampleRate))
	}
	if channels > 0 {
		s.channels.Store(int32(channels))
	}
}

func (s *State) SelectedVideo() int { return int(s.selVideo.Load()) }
func (s *State) SelectedAudio() int { return int(s.selAudio.Load()) }
func (s *State) SelectedSubtitle() int { return int(s.selSubtitle.Load()) }

// Select stores the stream index for type t; -1 deselects.
func (s *State) Select(t media.StreamType, index int) {
	if index < -1 {
		index = -1
	}
	switch t {
	case media.StreamVideo:
		s.selVideo.Store(int32(index))
	case media.StreamAudio:
		s.selAudio.Store(int32(index))
	case media.StreamSubtitle:
		s.selSubtitle.Store(int32(index))
	}
}

// IsSelected reports whether index is one of the three current selections.
func (s *State) IsSelected(index int) bool {
	return index >= 0 && (index == s.SelectedVideo() || index == s.SelectedAudio() || index == s.SelectedSubtitle())
}

// RequestSeek records a seek to t seconds, enters Seeking and bumps the
// epoch so consumers discard frames decoded before the seek.
func (s *State) RequestSeek(t float64) {
	if t < 0 {
		t = 0
	}
	if cur := s.State(); cur != Seeking {
		s.resume.Store(int32(cur))
	}
	s.epoch.Add(1)
	s.SetState(Seeking)
	s.seekTarget.Store(nanos(t))
}

// TakeSeek claims the pending seek, if any, returning its target and the
// epoch frames produced after the seek must carry.
func (s *State) TakeSeek() (target float64, epoch uint64, ok bool) {
	ns := s.seekTarget.Swap(noSeek)
	if ns == noSeek {
		return 0, 0, false
	}
	return seconds(ns), s.epoch.Load(), true
}

// FinishSeek moves both clocks to t and restores the state that was active
// when the seek was requested. A second seek requested meanwhile keeps the
// state at Seeking.
func (s *State) FinishSeek(t float64) {
	s.SetVideoPTS(t)
	s.SetAudioPTS(t)
	if s.seekTarget.Load() != noSeek {
		return
	}
	s.state.CompareAndSwap(int32(Seeking), s.resume.Load())
}

// Epoch returns the current seek generation.
func (s *State) Epoch() uint64 { return s.epoch.Load() }

// Snapshot is a plain copy of every field for logging and debug output.
type Snapshot struct {
	State            TransportState `json:"state"`
	Volume           float64        `json:"volume"`
	Speed            float64        `json:"speed"`
	Muted            bool           `json:"muted"`
	Looping          bool           `json:"looping"`
	Duration         float64        `json:"duration"`
	VideoPTS         float64        `json:"videoPts"`
	AudioPTS         float64        `json:"audioPts"`
	SubtitlePTS      float64        `json:"subtitlePts"`
	SampleRate       int            `json:"sampleRate"`
	Channels         int            `json:"channels"`
	SelectedVideo    int            `json:"selectedVideo"`
	SelectedAudio    int            `json:"selectedAudio"`
	SelectedSubtitle int            `json:"selectedSubtitle"`
	Epoch            uint64         `json:"epoch"`
}

// Snapshot reads every field. Fields are read independently.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		State:            s.State(),
		Volume:           s.Volume(),
		Speed:            s.Speed(),
		Muted:            s.Muted(),
		Looping:          s.Looping(),
		Duration:         s.Duration(),
		VideoPTS:         s.VideoPTS(),
		AudioPTS:         s.AudioPTS(),
		SubtitlePTS:      s.SubtitlePTS(),
		SampleRate:       s.SampleRate(),
		Channels:         s.Channels(),
		SelectedVideo:    s.SelectedVideo(),
		SelectedAudio:    s.SelectedAudio(),
		SelectedSubtitle: s.SelectedSubtitle(),
		Epoch:            s.Epoch(),
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func nanos(sec float64) int64 {
	return int64(math.Round(sec * float64(time.Second)))
}

func seconds(ns int64) float64 {
	return float64(ns) / float64(time.Second)
}
